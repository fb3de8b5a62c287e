package main

import (
	"fmt"
	"os"
)

const version = "v0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "configure":
		if err := runConfigure(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("askdb - natural-language question gateway for PostgreSQL")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  askdb serve       Start the HTTP server")
	fmt.Println("  askdb configure   Run interactive configuration wizard")
	fmt.Println("  askdb doctor      Check configuration and print request snippets")
	fmt.Println("  askdb --help      Show this help message")
}

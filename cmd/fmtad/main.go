package main

import (
	"log"
)

func main() {
	RegisterFlags()
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("fmtad: %v", err)
	}
}

// Package env reads optional configuration overrides from the environment.
package env

import (
	"log"
	"os"
	"strconv"
	"time"
)

var logFatalf = log.Fatalf

func OptionalStringVariable(name string, defaultValue string) string {
	if !HasEnv(name) {
		return defaultValue
	}
	return os.Getenv(name)
}

func OptionalIntVariable(name string, defaultValue int) int {
	if !HasEnv(name) {
		return defaultValue
	}
	value, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid int.", name)
	}
	return value
}

func OptionalDurationVariable(name string, defaultValue time.Duration) time.Duration {
	if !HasEnv(name) {
		return defaultValue
	}
	value, err := time.ParseDuration(os.Getenv(name))
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid duration.", name)
	}
	return value
}

func HasEnv(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

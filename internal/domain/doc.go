// Package domain contains the core types shared by the tutor pipeline:
// conversation messages, streaming chunks, validation results and rate
// limit configuration.
package domain

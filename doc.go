// Package main provides the go-resign CLI tool for resigning iOS IPA
// files.
//
// For the library API, see the resign subpackage:
//
//	import "github.com/aluedeke/go-resign/pkg/resign"
//
// # Installation
//
//	go install github.com/aluedeke/go-resign@latest
package main

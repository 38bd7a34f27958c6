//go:build ignore

// mkdisk builds testdata/test_disk1.bin with mkfs.ext4. The ext4 package
// tests use it when present and otherwise build the same image in a
// temporary directory.
//
//	go run testdata/mkdisk.go
package main

import (
	"fmt"
	"os"

	"github.com/lvdlvd/ext4view/internal/ext4test"
)

const output = "testdata/test_disk1.bin"

func main() {
	if err := ext4test.BuildReference(output); err != nil {
		fmt.Fprintf(os.Stderr, "mkdisk: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Created", output)
}

package main

import (
	"os"
)

func main() {
	// Ошибку печатает cobra, логгер к этому моменту может быть еще не собран
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

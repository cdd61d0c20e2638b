package main

import (
	"fmt"

	"github.com/MaiM-with-u/Maimchat/internal/crypto"
)

func main() {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}

	fmt.Printf("STORE_SECRET=%s\n", key)
}

package main

import (
	"context"
	"os"

	"peercall/internal"
	"peercall/pkg/log"
)

func main() {
	app := internal.NewApp()

	if err := app.Setup(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Run(ctx, cancel); err != nil {
		log.Fatal(err)
	}
}

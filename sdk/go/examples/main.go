package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"soneium-onboard/sdk/go/onboard"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "onboardd base url")
	agent := flag.Bool("agent", true, "connect through the injected wallet agent")
	flag.Parse()

	client, err := onboard.NewClient(*addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	result, err := client.Connect(ctx, *agent)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !result.Connected {
		if result.Error != nil {
			fmt.Printf("not connected: %s (%s)\n", result.Error.Message, result.Error.Code)
		}
		os.Exit(2)
	}
	fmt.Printf("connected %s on %s (%s)\n",
		result.Connection.Account, result.Connection.NetworkName, result.Connection.ChainIDHex)

	session, err := client.Session(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("balance %s ETH, owner=%v, step=%s\n", session.BalanceETH, session.Owner, session.Step)

	if !session.Owner {
		step, err := client.BuildProfile(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("profile builder started at step %s\n", step)
	}
}

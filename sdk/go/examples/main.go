package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http/httptest"
	"time"

	"github.com/gagliardetto/solana-go"

	"OpenProof-Chain/internal/api"
	"OpenProof-Chain/internal/client"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/program/kvlogger"
	"OpenProof-Chain/internal/program/proofrelay"
	"OpenProof-Chain/internal/program/system"
	"OpenProof-Chain/internal/program/verifier"
	"OpenProof-Chain/internal/proof"
	"OpenProof-Chain/sdk/go/openproof"
)

func main() {
	rt := ledger.NewRuntime(ledger.NewMemoryStore())
	if err := rt.Register(system.New(), kvlogger.New(), verifier.New(), proofrelay.New()); err != nil {
		log.Fatalf("register programs: %v", err)
	}
	actions, err := client.New(rt, solana.NewWallet().PublicKey())
	if err != nil {
		log.Fatalf("client: %v", err)
	}
	node := api.NewServer(":0", api.Dependencies{Actions: actions, Transactions: rt.History()})
	srv := httptest.NewServer(node.Handler())
	defer srv.Close()

	sdk, err := openproof.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatalf("sdk: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := sdk.Initialize(ctx); err != nil {
		log.Fatalf("initialize: %v", err)
	}
	receipt, err := sdk.Log(ctx, "greeting", "hello")
	if err != nil {
		log.Fatalf("log: %v", err)
	}
	fmt.Printf("logged in %s\n", receipt.Signature)
	for _, line := range receipt.Logs {
		fmt.Println("  ", line)
	}

	var contract [proof.ContractAddressLength]byte
	contract[19] = 0x01
	payload, err := proof.Encode(proof.NewValid(8453, proof.Event{
		EmittingContract: contract,
		Topics:           [][]byte{make([]byte, 32)},
		UnindexedData:    []byte("demo"),
	}))
	if err != nil {
		log.Fatalf("encode proof: %v", err)
	}
	loaded, err := sdk.LoadProof(ctx, base64.StdEncoding.EncodeToString(payload), 4)
	if err != nil {
		log.Fatalf("load proof: %v", err)
	}
	fmt.Printf("uploaded %d bytes in %d transactions\n", loaded.Bytes, len(loaded.Transactions))

	validation, err := sdk.ValidateProof(ctx)
	if err != nil {
		log.Fatalf("validate: %v", err)
	}
	fmt.Printf("result: %s valid=%t\n", validation.Result.Kind, validation.Result.Valid)
}

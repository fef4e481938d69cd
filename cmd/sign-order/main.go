package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/predmatch/pkg/app/core"
	"github.com/uhyunpark/predmatch/pkg/app/core/transaction"
	"github.com/uhyunpark/predmatch/pkg/crypto"
)

type orderFlags struct {
	key      string
	orderID  string
	market   string
	outcome  uint8
	side     string
	price    string
	amount   string
	ttl      time.Duration
	nonce    uint64
	chainID  int64
	contract string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var f orderFlags
	root := &cobra.Command{
		Use:   "sign-order",
		Short: "Sign a prediction market order and print its wire JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			so, signer, err := signOrder(f, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if f.key == "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "generated key %s for %s (KEEP SECRET!)\n", signer.PrivateKeyHex(), signer.Address().Hex())
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(so)
		},
	}
	fl := root.Flags()
	fl.StringVar(&f.key, "key", "", "hex private key (generated when empty)")
	fl.StringVar(&f.orderID, "order-id", "", "order id (random uuid when empty)")
	fl.StringVar(&f.market, "market", "", "market id")
	fl.Uint8Var(&f.outcome, "outcome", 0, "outcome index (0 or 1)")
	fl.StringVar(&f.side, "side", "buy", "buy or sell")
	fl.StringVar(&f.price, "price", "", "limit price in [0,1]")
	fl.StringVar(&f.amount, "amount", "", "number of outcome shares")
	fl.DurationVar(&f.ttl, "ttl", time.Hour, "time until the order expires")
	fl.Uint64Var(&f.nonce, "nonce", 0, "order nonce")
	fl.Int64Var(&f.chainID, "chain-id", crypto.DefaultDomain().ChainID.Int64(), "EIP-712 domain chain id")
	fl.StringVar(&f.contract, "verifying-contract", "", "EIP-712 domain verifying contract")
	root.MarkFlagRequired("market")
	root.MarkFlagRequired("price")
	root.MarkFlagRequired("amount")

	root.AddCommand(verifyCmd(&f))
	return root
}

func verifyCmd(f *orderFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [file]",
		Short: "Verify the signature of a wire order read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				file, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer file.Close()
				in = file
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			o, err := transaction.ParseOrder(data)
			if err != nil {
				return err
			}
			scheme := core.NewSignatureScheme(domain(*f))
			if !scheme.Verify(o) {
				return fmt.Errorf("signature of %s does not recover to %s", o.ID, o.Maker.Hex())
			}
			h, err := scheme.Hash(o)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: order %s signed by %s (hash %s)\n", o.ID, o.Maker.Hex(), h.Hex())
			return nil
		},
	}
}

func domain(f orderFlags) crypto.EIP712Domain {
	d := crypto.DefaultDomain()
	d.ChainID.SetInt64(f.chainID)
	if f.contract != "" {
		d.VerifyingContract = common.HexToAddress(f.contract)
	}
	return d
}

func signOrder(f orderFlags, now time.Time) (*transaction.SignedOrder, *crypto.Signer, error) {
	var (
		signer *crypto.Signer
		err    error
	)
	if f.key != "" {
		signer, err = crypto.FromPrivateKeyHex(f.key)
	} else {
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		return nil, nil, err
	}

	price, err := decimal.NewFromString(f.price)
	if err != nil {
		return nil, nil, fmt.Errorf("price: %w", err)
	}
	amount, err := decimal.NewFromString(f.amount)
	if err != nil {
		return nil, nil, fmt.Errorf("amount: %w", err)
	}
	side := core.ParseSide(f.side)
	if !side.Valid() {
		return nil, nil, fmt.Errorf("side must be buy or sell, got %q", f.side)
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, nil, err
	}

	id := f.orderID
	if id == "" {
		id = uuid.NewString()
	}
	o := &core.Order{
		ID:         id,
		Maker:      signer.Address(),
		MarketID:   f.market,
		Outcome:    f.outcome,
		Side:       side,
		Price:      price,
		Amount:     amount,
		Nonce:      f.nonce,
		Salt:       salt,
		Expiration: now.Add(f.ttl).Unix(),
	}
	if err := core.NewSignatureScheme(domain(f)).Sign(signer, o); err != nil {
		return nil, nil, err
	}
	return transaction.FromOrder(o), signer, nil
}

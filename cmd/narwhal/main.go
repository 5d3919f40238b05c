// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/crypto/bls"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/luxfi/narwhal/committee"
	"github.com/luxfi/narwhal/config"
	"github.com/luxfi/narwhal/networking/sender"
	"github.com/luxfi/narwhal/primary"
	"github.com/luxfi/narwhal/store"
)

var rootCmd = &cobra.Command{
	Use:   "narwhal",
	Short: "Narwhal primary node tools",
	Long: `The narwhal command runs a DAG consensus primary and manages its key
material and committee files.`,
}

func main() {
	rootCmd.AddCommand(
		keysCmd(),
		committeeCmd(),
		paramsCmd(),
		runCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate a fresh BLS key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			filename, _ := cmd.Flags().GetString("filename")
			seed := make([]byte, 32)
			if _, err := rand.Read(seed); err != nil {
				return err
			}
			sk, err := bls.SecretKeyFromSeed(seed)
			if err != nil {
				return err
			}
			if err := os.WriteFile(filename, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
				return err
			}
			pk := bls.PublicKeyToCompressedBytes(sk.PublicKey())
			fmt.Printf("public key: %s\n", hex.EncodeToString(pk))
			return nil
		},
	}
	cmd.Flags().String("filename", "narwhal.key", "File to write the secret key to")
	return cmd
}

func committeeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "committee",
		Short: "Write a committee template file",
		RunE: func(cmd *cobra.Command, args []string) error {
			filename, _ := cmd.Flags().GetString("filename")
			nodes, _ := cmd.Flags().GetInt("nodes")
			clans, _ := cmd.Flags().GetInt("clans")

			authorities := make([]committee.Authority, 0, nodes)
			for i := 0; i < nodes; i++ {
				sk, err := bls.NewSecretKey()
				if err != nil {
					return err
				}
				pk := sk.PublicKey()
				authorities = append(authorities, committee.Authority{
					NodeID:       nodeIDFromKey(pk),
					Stake:        1,
					ClanID:       uint32(i % clans),
					BLSPublicKey: pk,
				})
			}
			com, err := committee.New(authorities)
			if err != nil {
				return err
			}
			return com.Export(filename)
		},
	}
	cmd.Flags().String("filename", "committee.yaml", "File to write the committee to")
	cmd.Flags().Int("nodes", 4, "Number of authorities")
	cmd.Flags().Int("clans", 1, "Number of clans")
	return cmd
}

func paramsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Write the default parameters file",
		RunE: func(cmd *cobra.Command, args []string) error {
			filename, _ := cmd.Flags().GetString("filename")
			return config.Default().Export(filename)
		},
	}
	cmd.Flags().String("filename", "parameters.yaml", "File to write the parameters to")
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyFile, _ := cmd.Flags().GetString("keys")
			committeeFile, _ := cmd.Flags().GetString("committee")
			parametersFile, _ := cmd.Flags().GetString("parameters")

			raw, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("failed to load the node's key pair: %w", err)
			}
			seed, err := hex.DecodeString(string(raw))
			if err != nil {
				return fmt.Errorf("failed to parse the node's key pair: %w", err)
			}
			sk, err := bls.SecretKeyFromSeed(seed)
			if err != nil {
				return err
			}

			com, err := committee.Import(committeeFile)
			if err != nil {
				return err
			}
			params := config.Default()
			if parametersFile != "" {
				params, err = config.Import(parametersFile)
				if err != nil {
					return err
				}
			}

			nodeID := nodeIDFromKey(sk.PublicKey())

			logger := log.NewNoOpLogger()
			p, err := primary.New(primary.Config{
				NodeID:     nodeID,
				SecretKey:  sk,
				Committee:  com,
				Parameters: params,
				// In-memory store; persistent backends plug in through
				// database.Database.
				Store:      store.New(memdb.New()),
				Sender:     sender.NewLoopback(nodeID),
				Log:        logger,
				Registerer: prometheus.NewRegistry(),
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := p.Start(ctx); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				// Drain the ordered certificate stream; the application's
				// ordering layer goes here.
				for range p.Output() {
				}
			}()
			<-sigCh
			p.Stop()
			return nil
		},
	}
	cmd.Flags().String("keys", "narwhal.key", "File containing the node's secret key")
	cmd.Flags().String("committee", "committee.yaml", "File containing the committee")
	cmd.Flags().String("parameters", "", "File containing the node's parameters")
	return cmd
}

// nodeIDFromKey derives a node id from a BLS public key. NodeID is 20
// bytes.
func nodeIDFromKey(pk *bls.PublicKey) ids.NodeID {
	hash := sha256.Sum256(bls.PublicKeyToCompressedBytes(pk))
	var nodeID ids.NodeID
	copy(nodeID[:], hash[:20])
	return nodeID
}

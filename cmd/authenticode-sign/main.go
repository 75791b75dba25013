// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command authenticode-sign is a thin wrapper around the authenticode
// library: it loads a PEM certificate chain and a PKCS#8 or EC private key
// from local files and signs a PE image in place. It is intentionally not
// a key-store integration, policy engine, or batch-signing tool.
package main

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coldforge/authenticode"
)

var (
	certFile     string
	keyFile      string
	hashName     string
	programName  string
	programURL   string
	timestamping bool
	useRFC3161   bool
	timestampURL string
)

func main() {
	root := &cobra.Command{
		Use:   "authenticode-sign FILE",
		Short: "Sign a PE image with an Authenticode CMS signature",
		Args:  cobra.ExactArgs(1),
		RunE:  runSign,
	}

	root.Flags().StringVar(&certFile, "cert", "", "PEM certificate chain, leaf first (required)")
	root.Flags().StringVar(&keyFile, "key", "", "PEM private key, PKCS#8 or SEC1 EC (required)")
	root.Flags().StringVar(&hashName, "hash", "SHA256", "digest algorithm: SHA1 or SHA256")
	root.Flags().StringVar(&programName, "program-name", "", "optional SpcSpOpusInfo program name")
	root.Flags().StringVar(&programURL, "program-url", "", "optional SpcSpOpusInfo program URL")
	root.Flags().BoolVar(&timestamping, "timestamp", true, "counter-sign with a timestamp authority")
	root.Flags().BoolVar(&useRFC3161, "rfc3161", false, "use RFC 3161 instead of the legacy Authenticode timestamp protocol")
	root.Flags().StringVar(&timestampURL, "timestamp-url", "", "override the timestamp strategy's default server URL")
	_ = root.MarkFlagRequired("cert")
	_ = root.MarkFlagRequired("key")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSign(cmd *cobra.Command, args []string) error {
	chain, err := loadCertificateChain(certFile)
	if err != nil {
		return fmt.Errorf("load certificate chain: %w", err)
	}

	key, err := loadPrivateKey(keyFile)
	if err != nil {
		return fmt.Errorf("load private key: %w", err)
	}

	options := []authenticode.SignerOption{
		authenticode.WithHashAlgorithm(hashName),
		authenticode.WithProgramInfo(programName, programURL),
		authenticode.WithTimestamping(timestamping),
		authenticode.WithRFC3161(useRFC3161),
	}
	if timestampURL != "" {
		options = append(options, authenticode.WithTimestampURL(timestampURL))
	}

	signer, err := authenticode.NewSigner(chain, key, options...)
	if err != nil {
		return fmt.Errorf("configure signer: %w", err)
	}

	if err := signer.Sign(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("sign %s: %w", args[0], err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "signed %s\n", args[0])
	return nil
}

func loadCertificateChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%s contains no CERTIFICATE blocks", path)
	}
	return chain, nil
}

func loadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s contains no PEM block", path)
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%s does not hold an RSA or ECDSA key", path)
		}
		return signer, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%s: unsupported PEM block type %q", path, block.Type)
	}
}

package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ECDSA P-256 key pair for actor-token verification",
		Long:  "Generates the key pair used to sign/verify actor-attribution JWTs (internal/actortoken). The public key (base64-DER) goes in the jwt_public_key config value or TERMD_JWT_PUBLIC_KEY env var.",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
			if err != nil {
				return err
			}
			privDER, err := x509.MarshalECPrivateKey(priv)
			if err != nil {
				return err
			}
			pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
			if err != nil {
				return err
			}

			fmt.Printf("private key: %s\n", base64.StdEncoding.EncodeToString(privDER))
			fmt.Fprintf(cmd.ErrOrStderr(), "public key:  %s\n", base64.StdEncoding.EncodeToString(pubDER))
			return nil
		},
	}
}

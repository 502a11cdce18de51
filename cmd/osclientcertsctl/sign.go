package main

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/miekg/pkcs11"
	"github.com/spf13/cobra"

	"github.com/ferran/osclientcerts/internal/attrs"
	"github.com/ferran/osclientcerts/internal/manager"
	"github.com/ferran/osclientcerts/internal/session"
)

var signCertID string

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a test message with a certificate's private key and verify the result",
	Run: func(cmd *cobra.Command, args []string) {
		if signCertID == "" {
			exitWithError("sign", fmt.Errorf("--id is required, see 'osclientcertsctl find'"))
		}
		id, err := hex.DecodeString(signCertID)
		if err != nil {
			exitWithError("decoding --id", err)
		}

		m := manager.Get()
		sess, err := m.OpenSession()
		if err != nil {
			exitWithError("opening session", err)
		}
		defer m.CloseSession(sess)

		certHandle := findOne(m, sess, pkcs11.CKO_CERTIFICATE, id)
		keyHandle := findOne(m, sess, pkcs11.CKO_PRIVATE_KEY, id)

		certDER, err := m.GetAttribute(certHandle, pkcs11.CKA_VALUE)
		if err != nil {
			exitWithError("reading certificate", err)
		}
		cert, err := x509.ParseCertificate(certDER.Bytes)
		if err != nil {
			exitWithError("parsing certificate", err)
		}

		hashed := sha256.Sum256([]byte("osclientcertsctl self-test"))

		switch pub := cert.PublicKey.(type) {
		case *rsa.PublicKey:
			data := sha256DigestInfo(hashed[:])
			if err := m.StartSign(sess, keyHandle, pkcs11.CKM_RSA_PKCS, nil); err != nil {
				exitWithError("starting sign", err)
			}
			sig, err := m.Sign(sess, data)
			if err != nil {
				exitWithError("signing", err)
			}
			if err := rsa.VerifyPKCS1v15(pub, 0, data, sig); err != nil {
				exitWithError("verifying signature", err)
			}
			fmt.Printf("RSA-%d signature verified, %d bytes\n", pub.Size()*8, len(sig))
		case *ecdsa.PublicKey:
			data := hashed[:]
			if err := m.StartSign(sess, keyHandle, pkcs11.CKM_ECDSA, nil); err != nil {
				exitWithError("starting sign", err)
			}
			sig, err := m.Sign(sess, data)
			if err != nil {
				exitWithError("signing", err)
			}
			fieldBytes := (pub.Curve.Params().BitSize + 7) / 8
			if len(sig) != 2*fieldBytes {
				exitWithError("verifying signature", fmt.Errorf("got %d raw signature bytes, want %d", len(sig), 2*fieldBytes))
			}
			r := new(big.Int).SetBytes(sig[:fieldBytes])
			s := new(big.Int).SetBytes(sig[fieldBytes:])
			if !ecdsa.Verify(pub, data, r, s) {
				exitWithError("verifying signature", fmt.Errorf("signature does not verify"))
			}
			fmt.Printf("ECDSA signature verified, %d bytes\n", len(sig))
		default:
			exitWithError("sign", fmt.Errorf("unsupported public key type %T", pub))
		}
	},
}

func findOne(m *manager.Manager, sess session.Handle, class uint, id []byte) pkcs11.ObjectHandle {
	if err := m.StartSearch(sess, []pkcs11.Attribute{
		{Type: pkcs11.CKA_CLASS, Value: attrs.SerializeUint(uint64(class), attrs.UintWidth)},
		{Type: pkcs11.CKA_ID, Value: id},
	}); err != nil {
		exitWithError("starting search", err)
	}
	handles, err := m.Search(sess, 1)
	if err != nil {
		exitWithError("searching", err)
	}
	if err := m.ClearSearch(sess); err != nil {
		exitWithError("clearing search", err)
	}
	if len(handles) != 1 {
		exitWithError("find object", fmt.Errorf("expected exactly one object of class %#x with id %x, found %d", class, id, len(handles)))
	}
	return handles[0]
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVar(&signCertID, "id", "", "certificate/key ID in hex, from 'osclientcertsctl find'")
}

func sha256DigestInfo(hash []byte) []byte {
	type algorithmIdentifier struct {
		Algorithm  asn1.ObjectIdentifier
		Parameters asn1.RawValue `asn1:"optional"`
	}
	type digestInfo struct {
		Algorithm algorithmIdentifier
		Digest    []byte
	}
	sha256OID := asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	out, _ := asn1.Marshal(digestInfo{
		Algorithm: algorithmIdentifier{Algorithm: sha256OID, Parameters: asn1.RawValue{Tag: asn1.TagNull}},
		Digest:    hash,
	})
	return out
}

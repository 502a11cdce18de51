package main

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/miekg/pkcs11"
	"github.com/spf13/cobra"

	"github.com/ferran/osclientcerts/internal/attrs"
	"github.com/ferran/osclientcerts/internal/manager"
)

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "List certificates this module would expose to a Cryptoki caller",
	Run: func(cmd *cobra.Command, args []string) {
		m := manager.Get()

		sess, err := m.OpenSession()
		if err != nil {
			exitWithError("opening session", err)
		}
		defer m.CloseSession(sess)

		if err := m.StartSearch(sess, []pkcs11.Attribute{
			{Type: pkcs11.CKA_CLASS, Value: attrs.SerializeUint(pkcs11.CKO_CERTIFICATE, attrs.UintWidth)},
		}); err != nil {
			exitWithError("starting search", err)
		}
		handles, err := m.Search(sess, 256)
		if err != nil {
			exitWithError("searching", err)
		}

		type row struct {
			ID      string `json:"id"`
			Subject string `json:"subject"`
			Issuer  string `json:"issuer"`
		}
		rows := make([]row, 0, len(handles))

		for _, h := range handles {
			idVal, err := m.GetAttribute(h, pkcs11.CKA_ID)
			if err != nil {
				exitWithError("reading CKA_ID", err)
			}
			derVal, err := m.GetAttribute(h, pkcs11.CKA_VALUE)
			if err != nil {
				exitWithError("reading CKA_VALUE", err)
			}
			cert, err := x509.ParseCertificate(derVal.Bytes)
			if err != nil {
				exitWithError("parsing certificate DER", err)
			}
			rows = append(rows, row{
				ID:      hex.EncodeToString(idVal.Bytes),
				Subject: cert.Subject.String(),
				Issuer:  cert.Issuer.String(),
			})
		}

		if jsonOut {
			data, _ := json.MarshalIndent(rows, "", "  ")
			fmt.Println(string(data))
			return
		}
		fmt.Printf("Found %d certificate(s):\n\n", len(rows))
		for _, r := range rows {
			fmt.Printf("  ID:      %s\n  Subject: %s\n  Issuer:  %s\n\n", r.ID, r.Subject, r.Issuer)
		}
	},
}

func init() {
	rootCmd.AddCommand(findCmd)
}

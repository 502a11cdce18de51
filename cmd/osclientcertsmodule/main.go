// Command osclientcertsmodule builds to a c-shared library: the actual
// Cryptoki module a browser or VPN client loads. All of its behavior lives
// in internal/capi; this file exists only because -buildmode=c-shared
// requires package main with a main function, even though nothing calls it.
package main

import _ "github.com/ferran/osclientcerts/internal/capi"

func main() {}

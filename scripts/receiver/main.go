// Test receiver for manual end-to-end checks. Verifies the HMAC signature
// against the raw body bytes and remembers seen delivery ids so redelivery
// under at-least-once semantics is visible in the output.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/hookwire/hookwire/internal/signature"
)

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	fail := flag.Bool("fail", false, "return 500 errors")
	secret := flag.String("secret", "", "webhook secret for signature verification")
	flag.Parse()

	var mu sync.Mutex
	seen := make(map[string]int)

	http.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		deliveryID := r.Header.Get("X-Hookwire-Delivery")
		mu.Lock()
		seen[deliveryID]++
		times := seen[deliveryID]
		mu.Unlock()

		fmt.Println("=== Webhook Received ===")
		fmt.Printf("X-Hookwire-Event: %s\n", r.Header.Get("X-Hookwire-Event"))
		fmt.Printf("X-Hookwire-Delivery: %s (seen %d time(s))\n", deliveryID, times)
		fmt.Printf("Body: %s\n", string(body))

		if sig := r.Header.Get("X-Hookwire-Signature"); sig != "" {
			if *secret == "" {
				fmt.Println("Signature: present, pass -secret to verify")
			} else if signature.Verify(body, *secret, sig) {
				fmt.Println("Signature: VALID")
			} else {
				fmt.Println("Signature: INVALID")
			}
		}

		if *fail {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("simulated failure"))
			fmt.Println("-> Responded with 500")
		} else {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
			fmt.Println("-> Responded with 200")
		}
		fmt.Println()
	})

	addr := fmt.Sprintf(":%d", *port)
	fmt.Printf("Test receiver listening on %s (fail=%v)\n", addr, *fail)
	log.Fatal(http.ListenAndServe(addr, nil))
}

// Command upstream is a minimal fixture server for manually exercising
// goproxy: a plain HTTP listener for GET/POST/PUT passthrough, and a
// self-signed HTTPS listener for CONNECT tunnels (the proxy never inspects
// the bytes it tunnels, so any TLS server behind it works; this one needs
// no external certificate tooling).
//
// Run:
//
//	go run ./example/upstream -http :9080 -https :9443
//
// Then, with goproxy listening on :8080:
//
//	curl -x http://127.0.0.1:8080 http://127.0.0.1:9080/
//	curl -x http://127.0.0.1:8080 -k https://127.0.0.1:9443/
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"log"
	"math/big"
	"net/http"
	"time"
)

func main() {
	httpAddr := flag.String("http", ":9080", "plain HTTP listen address")
	httpsAddr := flag.String("https", ":9443", "self-signed HTTPS listen address")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from goproxy upstream fixture\n"))
	})

	go func() {
		log.Printf("[upstream] plain HTTP on %s", *httpAddr)
		log.Fatal(http.ListenAndServe(*httpAddr, mux))
	}()

	cert, key := mustSelfSignedCert()
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		log.Fatalf("load self-signed pair: %v", err)
	}
	srv := &http.Server{
		Addr:      *httpsAddr,
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{pair}},
	}
	log.Printf("[upstream] self-signed HTTPS on %s (CN=localhost)", *httpsAddr)
	log.Fatal(srv.ListenAndServeTLS("", ""))
}

func mustSelfSignedCert() (certPEM, keyPEM []byte) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		DNSNames:              []string{"localhost"},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		log.Fatalf("create cert: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return
}

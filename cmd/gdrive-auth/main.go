// Command gdrive-auth runs the OAuth consent flow once and prints the refresh
// token the gdrive trail store needs (storage.gdrive.refresh_token or
// GDRIVE_REFRESH_TOKEN).
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"

	"github.com/tokejepsen/mayasequence/internal/pkg/logger"
)

func main() {
	flags := pflag.NewFlagSet("gdrive-auth", pflag.ExitOnError)
	clientID := flags.String("client-id", os.Getenv("GDRIVE_CLIENT_ID"), "OAuth client ID")
	clientSecret := flags.String("client-secret", os.Getenv("GDRIVE_CLIENT_SECRET"), "OAuth client secret")
	wait := flags.Duration("timeout", 3*time.Minute, "how long to wait for the browser callback")
	_ = flags.Parse(os.Args[1:])

	log := logger.New(logger.Config{Level: "info", Format: "text", Output: os.Stderr, ServiceName: "gdrive-auth"})

	if strings.TrimSpace(*clientID) == "" || strings.TrimSpace(*clientSecret) == "" {
		log.LogFatal("missing credentials", fmt.Errorf("--client-id and --client-secret (or GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET) are required"))
	}

	token, err := authorize(context.Background(), *clientID, *clientSecret, *wait, log)
	if err != nil {
		log.LogFatal("authorization failed", err)
	}

	// The refresh token can be empty when the app was authorized before
	// without prompt=consent.
	if strings.TrimSpace(token.RefreshToken) == "" {
		log.Error("no refresh token returned; revoke the app at https://myaccount.google.com/permissions and run again")
		os.Exit(1)
	}

	fmt.Println(token.RefreshToken)
}

func authorize(ctx context.Context, clientID, clientSecret string, wait time.Duration, log *logger.Logger) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
		RedirectURL:  redirectURL,
	}

	state := randomState()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "invalid state", http.StatusBadRequest)
			errCh <- fmt.Errorf("invalid state")
		case q.Get("error") != "":
			http.Error(w, "auth error: "+q.Get("error"), http.StatusBadRequest)
			errCh <- fmt.Errorf("auth error: %s", q.Get("error"))
		case q.Get("code") == "":
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- fmt.Errorf("missing code")
		default:
			fmt.Fprintln(w, "Authorized. You can close this window.")
			codeCh <- q.Get("code")
		}
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	defer srv.Close()

	authURL := conf.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	log.Info("open this URL in a browser", "url", authURL, "callback", redirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-time.After(wait):
		return nil, fmt.Errorf("no callback within %s", wait)
	}

	return conf.Exchange(ctx, code)
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

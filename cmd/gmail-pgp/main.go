// gmail-pgp sends OpenPGP encrypted Gmail messages through Model Context
// Protocol tools. Recipients without a public key get a password-protected
// link instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"github.com/hal9000y/gmail-pgp/internal/auth"
	"github.com/hal9000y/gmail-pgp/internal/body"
	"github.com/hal9000y/gmail-pgp/internal/config"
	"github.com/hal9000y/gmail-pgp/internal/contacts"
	"github.com/hal9000y/gmail-pgp/internal/credential"
	"github.com/hal9000y/gmail-pgp/internal/gservice"
	"github.com/hal9000y/gmail-pgp/internal/keydir"
	"github.com/hal9000y/gmail-pgp/internal/keyserver"
	"github.com/hal9000y/gmail-pgp/internal/pgp"
	"github.com/hal9000y/gmail-pgp/internal/recipient"
	"github.com/hal9000y/gmail-pgp/internal/relay"
	"github.com/hal9000y/gmail-pgp/internal/send"
	"github.com/hal9000y/gmail-pgp/internal/state"
	"github.com/hal9000y/gmail-pgp/internal/tool"
	"github.com/hal9000y/gmail-pgp/internal/transport"
)

const keyringService = "gmail-pgp"

func main() {
	configFile := flag.String("config", config.DefaultPath(), "Path to the YAML config file")
	envFileParam := flag.String("env-file", "", "Path to env file")
	httpAddr := flag.String("http-addr", "localhost:0", "HTTP SERVER listen addr")
	oauthURLParam := flag.String("oauth-url", "", "OAuth URL")
	enableStdio := flag.Bool("stdio", false, "Enable stdio transport for MCP (disables stdout logging)")
	logFile := flag.String("log-file", "", "Path to log file (only used with stdio transport, otherwise logs to stdout)")

	flag.Parse()

	persistLogs := setupLogger(enableStdio, logFile)
	defer persistLogs()

	cfg, err := config.Load(*configFile, *envFileParam)
	if err != nil {
		panic(fmt.Errorf("config.Load failed: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Errorf("invalid config: %w", err))
	}

	ln := mustListen(httpAddr)
	oauthCfg := createOauthCfg(cfg, ln.Addr().String(), *oauthURLParam)

	tok, err := auth.NewToken(oauthCfg, cfg.OAuth.TokenFile)
	if err != nil {
		panic(fmt.Errorf("auth.NewToken failed: %w", err))
	}

	defer func() {
		log.Println("Persisting token if exists")
		if err := tok.Persist(); err != nil {
			log.Println(fmt.Errorf("tok.Persist failed: %w", err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/oauth", auth.NewHTTPHandler(tok))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, closeApp := mustBuild(ctx, cfg, tok)
	defer closeApp()

	mcpHTTP := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server { return app }, nil)
	mux.Handle("/mcp", mcpHTTP)

	srv := &http.Server{
		Handler: mux,
	}

	shutdown := make(chan os.Signal, 1)

	signal.Notify(shutdown, syscall.SIGTERM, syscall.SIGINT)

	if _, err := tok.OAuthToken(); errors.Is(err, auth.ErrTokenNotSet) {
		openBrowser(oauthCfg.RedirectURL + "?redirect=1")
	}

	stopHTTP, errHTTPCh := serveHTTP(srv, ln)
	defer stopHTTP()

	var errStdioCh <-chan error
	if *enableStdio {
		var stopStdio func()
		stopStdio, errStdioCh = serveStdio(app)
		defer stopStdio()
	}

	select {
	case err := <-errHTTPCh:
		log.Println("Error http server", err)
	case err := <-errStdioCh:
		log.Println("Error stdio", err)
	case <-shutdown:
		log.Println("Shutdown signal received")
	}
}

// mustBuild wires the send pipeline behind the MCP tools. The returned func
// releases the local stores.
func mustBuild(ctx context.Context, cfg *config.Config, tok *auth.Token) (*mcp.Server, func()) {
	store, err := contacts.NewSQLiteStore(cfg.Storage.ContactsDB)
	if err != nil {
		panic(fmt.Errorf("contacts.NewSQLiteStore failed: %w", err))
	}

	st, err := state.Open(cfg.Storage.StateDir, cfg.Account)
	if err != nil {
		panic(fmt.Errorf("state.Open failed: %w", err))
	}

	var sources []keyserver.Source
	if cfg.Keyserver.AttesterURL != "" {
		sources = append(sources, keyserver.NewAttester(cfg.Keyserver.AttesterURL, cfg.Keyserver.Timeout))
	}
	if cfg.Keyserver.WKD {
		sources = append(sources, keyserver.NewWKD(cfg.Keyserver.Timeout))
	}

	engine := pgp.NewEngine(nil)
	dir := keydir.New(store, keyserver.NewChain(sources...), engine)

	gmailSvc := gservice.NewGmail(tok)
	gmailT := transport.NewGmail(gmailSvc)

	relayClient := relay.NewClient(cfg.Relay.URL, tok.TokenSource(ctx), cfg.Relay.Timeout)
	links := relay.NewLinkFormatter(cfg.Relay.LinkBase)

	deps := send.Deps{
		Crypto:    engine,
		Composer:  body.NewComposer(relayClient, body.Footer{Plain: cfg.Footer.Plain, HTML: cfg.Footer.HTML}),
		Uploader:  relay.NewUploader(relayClient, st, cfg.Limits.MaxMessageBytes, cfg.Limits.MaxAttachmentBytes),
		Links:     links,
		Transport: gmailT,
		Drafts:    gmailT,
		History:   st,
		Reauth:    auth.NewReauth(tok, openBrowser, cfg.OAuth.AuthTimeout),
	}

	if cfg.Transport != config.TransportGmail {
		smtpT, err := transport.NewSMTP(cfg.Transport, cfg.SMTPPassword, cfg.Domain())
		if err != nil {
			panic(fmt.Errorf("transport.NewSMTP failed: %w", err))
		}
		deps.Transport = smtpT
	}

	var (
		prompt *pgp.PassphrasePrompt
		ownFP  string
	)
	if cfg.PGP.PrivateKeyFile != "" {
		own, err := pgp.LoadOwnKey(cfg.PGP.PrivateKeyFile)
		if err != nil {
			panic(fmt.Errorf("pgp.LoadOwnKey failed: %w", err))
		}
		ownFP = own.Fingerprint()

		prompt = pgp.NewPassphrasePrompt(func(fp string) {
			log.Printf("Pass phrase needed for key %s, answer with the provide_passphrase tool", fp)
		})
		deps.OwnKey = own
		deps.Unlocker = newUnlocker(cfg, own, prompt)
	}

	orchestrator := send.NewOrchestrator(deps, send.Options{
		MaxAttachmentBytes: cfg.Limits.MaxAttachmentBytes,
		SubscriptionActive: cfg.Relay.Subscription,
		Threaded:           cfg.Relay.Threaded,
	})

	sessions := tool.NewSessions(func() *send.Session {
		return send.NewSession(recipient.NewEvaluator(dir, st))
	})

	toolDeps := tool.Deps{
		Sessions:       sessions,
		Sender:         orchestrator,
		Threads:        gmailSvc,
		Links:          links,
		Contacts:       store,
		From:           (&mail.Address{Name: cfg.Name, Address: cfg.Account}).String(),
		OwnFingerprint: ownFP,
	}
	if prompt != nil {
		toolDeps.Passphrases = prompt
	}

	return tool.NewServer(toolDeps), func() {
		sessions.Close()
		if err := st.Close(); err != nil {
			log.Println(fmt.Errorf("st.Close failed: %w", err))
		}
		if err := store.Close(); err != nil {
			log.Println(fmt.Errorf("store.Close failed: %w", err))
		}
	}
}

// newUnlocker remembers pass phrases in the OS keyring when one can be
// opened and asks through prompt otherwise.
func newUnlocker(cfg *config.Config, own *pgp.OwnKey, prompt *pgp.PassphrasePrompt) *pgp.Unlocker {
	creds, err := credential.Open(keyringService, cfg.Storage.KeyringDir, cfg.Storage.KeyringPassword)
	if err != nil {
		log.Println(fmt.Errorf("credential.Open failed: %w", err))
		return pgp.NewUnlocker(own, nil, prompt, cfg.PGP.PassphraseTimeout, false)
	}

	return pgp.NewUnlocker(own, creds, prompt, cfg.PGP.PassphraseTimeout, cfg.PGP.RememberPassphrase)
}

func serveStdio(srv *mcp.Server) (func(), <-chan error) {
	errStdioCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(errStdioCh)
		log.Println("Starting stdio transport")

		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
			err = fmt.Errorf("srv.Run failed: %w", err)
			errStdioCh <- err
		}
	}()

	return func() {
		cancel()

		<-errStdioCh
		log.Println("Stdio transport stopped")
	}, errStdioCh
}

func serveHTTP(srv *http.Server, ln net.Listener) (func(), <-chan error) {
	errHTTPCh := make(chan error, 1)
	go func() {
		defer close(errHTTPCh)

		log.Println("Starting http server on", ln.Addr().String())

		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			err = fmt.Errorf("srv.Serve failed: %w", err)
			log.Println(err)
			errHTTPCh <- err
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Println(fmt.Errorf("srv.Shutdown failed: %w", err))
		}

		<-errHTTPCh
		log.Println("HTTP server stopped")
	}, errHTTPCh
}

func mustListen(httpAddr *string) net.Listener {
	if httpAddr == nil {
		panic("-http-addr must be provided")
	}

	ln, err := net.Listen("tcp", *httpAddr)
	if err != nil {
		panic(fmt.Errorf("net.Listen failed: %w", err))
	}

	return ln
}

func createOauthCfg(cfg *config.Config, lnAddr, oauthURL string) *oauth2.Config {
	if oauthURL == "" {
		oauthURL = fmt.Sprintf("http://%s/oauth", lnAddr)
	}

	return &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  oauthURL,
		Scopes:       []string{gmail.GmailComposeScope, gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

func setupLogger(enableStdio *bool, logFile *string) func() {
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			panic(fmt.Errorf("failed to open log file: %w", err))
		}
		log.SetOutput(f)

		return func() {
			if err := f.Close(); err != nil {
				log.Println(fmt.Errorf("f.Close failed: %w", err))
			}
		}
	}

	if *enableStdio {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(os.Stdout)
	}

	return func() {}
}

func openBrowser(url string) {
	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform")
	}

	if err != nil {
		log.Printf("Could not open browser automatically: %v; please copy and open link in the browser: %s\n", err, url)
	}
}

// Package salesforce implements the Salesforce side of the extraction
// pipeline: session authentication, object metadata, SOQL construction and
// paginated query fetching against the REST API.
package salesforce

import (
	"bytes"
	"context"
	"encoding/xml"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/forcepull/forcepull/pkg/config"
	"github.com/forcepull/forcepull/pkg/errors"
	"github.com/forcepull/forcepull/pkg/logger"
	"go.uber.org/zap"
)

const (
	productionLoginHost = "https://login.salesforce.com"
	sandboxLoginHost    = "https://test.salesforce.com"
)

// Session is an authenticated handle on one Salesforce instance. It is
// created once per run and owned by the fetcher and describer for the
// duration of that run.
type Session struct {
	// InstanceURL is the base URL of the org's instance
	InstanceURL string
	// AccessToken is the bearer credential for REST calls
	AccessToken string
	// APIVersion is the REST API version, e.g. "52.0"
	APIVersion string
	// Sandbox records whether the session was opened against a sandbox
	Sandbox bool

	httpClient *http.Client
}

// RestPath returns the absolute URL for a versioned REST resource path,
// e.g. RestPath("/sobjects/Contact/describe").
func (s *Session) RestPath(path string) string {
	return fmt.Sprintf("%s/services/data/v%s%s", s.InstanceURL, s.APIVersion, path)
}

// Do executes an authenticated request with the session's HTTP client.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	req.Header.Set("Accept", "application/json")
	return s.httpClient.Do(req)
}

// NewSession constructs a session from an existing token, for callers that
// manage authentication themselves.
func NewSession(instanceURL, accessToken, apiVersion string) *Session {
	return &Session{
		InstanceURL: strings.TrimSuffix(instanceURL, "/"),
		AccessToken: accessToken,
		APIVersion:  apiVersion,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Authenticate opens a session using the configured login method. There are
// no retries: authorization failures are terminal for the run.
func Authenticate(ctx context.Context, cfg *config.Config) (*Session, error) {
	if err := cfg.Auth.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid credentials configuration")
	}

	hc := newHTTPClient(cfg.Timeouts.Request, cfg.Timeouts.Connection)

	var (
		sess *Session
		err  error
	)
	switch cfg.Auth.Method {
	case config.LoginSecurityToken:
		sess, err = soapLogin(ctx, cfg, hc)
	case config.LoginConnectedApp:
		sess, err = passwordGrantLogin(ctx, cfg, hc)
	case config.LoginClientCredentials:
		sess, err = clientCredentialsLogin(ctx, cfg, hc)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown login method %q", cfg.Auth.Method)
	}
	if err != nil {
		return nil, err
	}

	logger.WithContext(ctx).Info("session opened",
		zap.String("login_method", string(cfg.Auth.Method)),
		zap.String("instance_url", sess.InstanceURL),
		zap.String("api_version", sess.APIVersion),
		zap.Bool("sandbox", sess.Sandbox))

	return sess, nil
}

func newHTTPClient(requestTimeout, connectionTimeout time.Duration) *http.Client {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	if connectionTimeout <= 0 {
		connectionTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connectionTimeout}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Timeout:   requestTimeout,
		Transport: transport,
	}
}

// loginHost picks the token endpoint host: an explicit My Domain wins,
// otherwise sandbox selects the test environment.
func loginHost(cfg *config.Config) string {
	if cfg.Auth.Domain != "" {
		return fmt.Sprintf("https://%s.my.salesforce.com", cfg.Auth.Domain)
	}
	if cfg.API.Sandbox {
		return sandboxLoginHost
	}
	return productionLoginHost
}

// passwordGrantLogin performs the OAuth password grant used by the
// connected-app login method.
func passwordGrantLogin(ctx context.Context, cfg *config.Config, hc *http.Client) (*Session, error) {
	conf := &oauth2.Config{
		ClientID:     cfg.Auth.ConsumerKey,
		ClientSecret: cfg.Auth.ConsumerSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  loginHost(cfg) + "/services/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	// The security token, when present, is concatenated to the password
	password := cfg.Auth.Password + cfg.Auth.SecurityToken

	ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	tok, err := conf.PasswordCredentialsToken(ctx, cfg.Auth.Username, password)
	if err != nil {
		return nil, classifyTokenError(err)
	}

	return sessionFromToken(cfg, hc, tok)
}

// clientCredentialsLogin performs the OAuth client-credentials grant against
// the configured My Domain instance.
func clientCredentialsLogin(ctx context.Context, cfg *config.Config, hc *http.Client) (*Session, error) {
	conf := &clientcredentials.Config{
		ClientID:     cfg.Auth.ConsumerKey,
		ClientSecret: cfg.Auth.ConsumerSecret,
		TokenURL:     fmt.Sprintf("https://%s.my.salesforce.com/services/oauth2/token", cfg.Auth.Domain),
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	tok, err := conf.Token(ctx)
	if err != nil {
		return nil, classifyTokenError(err)
	}

	return sessionFromToken(cfg, hc, tok)
}

func sessionFromToken(cfg *config.Config, hc *http.Client, tok *oauth2.Token) (*Session, error) {
	instanceURL, _ := tok.Extra("instance_url").(string)
	if instanceURL == "" {
		return nil, errors.New(errors.ErrorTypeAuthentication, "token response is missing instance_url")
	}

	return &Session{
		InstanceURL: strings.TrimSuffix(instanceURL, "/"),
		AccessToken: tok.AccessToken,
		APIVersion:  cfg.API.Version,
		Sandbox:     cfg.API.Sandbox,
		httpClient:  hc,
	}, nil
}

func classifyTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if stderrors.As(err, &retrieveErr) {
		return errors.Wrap(err, errors.ErrorTypeAuthentication,
			"login rejected: recheck username, password, security token and consumer credentials")
	}
	return errors.Wrap(err, errors.ErrorTypeAuthentication, "login request failed")
}

// soapLoginEnvelope is the partner-API login request body. The
// security-token login method has no connected app to hold OAuth
// credentials, so it goes through the SOAP login service instead.
const soapLoginEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<env:Envelope xmlns:xsd="http://www.w3.org/2001/XMLSchema"
    xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance"
    xmlns:env="http://schemas.xmlsoap.org/soap/envelope/">
  <env:Body>
    <n1:login xmlns:n1="urn:partner.soap.sforce.com">
      <n1:username>%s</n1:username>
      <n1:password>%s</n1:password>
    </n1:login>
  </env:Body>
</env:Envelope>`

type soapLoginResponse struct {
	Body struct {
		LoginResponse struct {
			Result struct {
				ServerURL string `xml:"serverUrl"`
				SessionID string `xml:"sessionId"`
			} `xml:"result"`
		} `xml:"loginResponse"`
		Fault struct {
			FaultString string `xml:"faultstring"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

func soapLogin(ctx context.Context, cfg *config.Config, hc *http.Client) (*Session, error) {
	endpoint := fmt.Sprintf("%s/services/Soap/u/%s", loginHost(cfg), cfg.API.Version)

	instanceURL, sessionID, err := doSoapLogin(ctx, hc, endpoint,
		cfg.Auth.Username, cfg.Auth.Password+cfg.Auth.SecurityToken)
	if err != nil {
		return nil, err
	}

	return &Session{
		InstanceURL: instanceURL,
		AccessToken: sessionID,
		APIVersion:  cfg.API.Version,
		Sandbox:     cfg.API.Sandbox,
		httpClient:  hc,
	}, nil
}

// doSoapLogin performs the partner-API login exchange and returns the
// instance URL and session ID.
func doSoapLogin(ctx context.Context, hc *http.Client, endpoint, username, password string) (string, string, error) {
	body := fmt.Sprintf(soapLoginEnvelope, xmlEscape(username), xmlEscape(password))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to create login request")
	}
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")
	req.Header.Set("SOAPAction", "login")

	resp, err := hc.Do(req)
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrorTypeAuthentication, "login request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to read login response")
	}

	var parsed soapLoginResponse
	if err := xml.Unmarshal(payload, &parsed); err != nil {
		return "", "", errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to parse login response")
	}

	if resp.StatusCode != http.StatusOK || parsed.Body.LoginResponse.Result.SessionID == "" {
		msg := parsed.Body.Fault.FaultString
		if msg == "" {
			msg = fmt.Sprintf("login failed with status %d", resp.StatusCode)
		}
		return "", "", errors.New(errors.ErrorTypeAuthentication, msg)
	}

	serverURL, err := url.Parse(parsed.Body.LoginResponse.Result.ServerURL)
	if err != nil {
		return "", "", errors.Wrap(err, errors.ErrorTypeAuthentication, "login returned an invalid server URL")
	}

	instanceURL := fmt.Sprintf("%s://%s", serverURL.Scheme, serverURL.Host)
	return instanceURL, parsed.Body.LoginResponse.Result.SessionID, nil
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

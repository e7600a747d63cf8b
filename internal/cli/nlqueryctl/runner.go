package nlqueryctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
	// ReadFile loads corpus documents for corpus-push; defaults to os.ReadFile.
	ReadFile func(name string) ([]byte, error)
}

type request struct {
	method      string
	path        string
	body        []byte
	contentType string
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	readFile := defaults.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}

	fs := flag.NewFlagSet("nlqueryctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "nlquery API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 90*time.Second), "HTTP timeout (e.g. 90s)")
	limit := fs.Int("limit", 0, "number of history entries to list")
	answerOnly := fs.Bool("answer-only", false, "print only the answer text for ask")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	var req request
	switch command {
	case "health":
		req = request{method: http.MethodGet, path: "/v1/health"}
	case "ready":
		req = request{method: http.MethodGet, path: "/v1/ready"}
	case "ask":
		question := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
		if question == "" {
			_, _ = fmt.Fprintln(stderr, "ask requires a question")
			return 2
		}
		body, err := json.Marshal(map[string]string{"question": question})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "encode question: %v\n", err)
			return 1
		}
		req = request{method: http.MethodPost, path: "/v1/answer", body: body, contentType: "application/json"}
	case "history":
		path := "/v1/history"
		if *limit > 0 {
			path += "?" + url.Values{"limit": {strconv.Itoa(*limit)}}.Encode()
		}
		req = request{method: http.MethodGet, path: path}
	case "reload":
		req = request{method: http.MethodPost, path: "/v1/corpus/reload"}
	case "corpus-push":
		if fs.NArg() != 2 {
			_, _ = fmt.Fprintln(stderr, "corpus-push requires a file path")
			return 2
		}
		body, err := readFile(fs.Arg(1))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "read corpus: %v\n", err)
			return 1
		}
		req = request{method: http.MethodPut, path: "/v1/corpus", body: body, contentType: "application/yaml"}
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *apiKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if command == "ask" && *answerOnly {
		return printAnswer(stdout, stderr, responseBody)
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

// printAnswer exits 1 when the answer carries an error kind.
func printAnswer(stdout, stderr io.Writer, raw []byte) int {
	var payload struct {
		Answer string `json:"answer"`
		Error  *struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		_, _ = fmt.Fprintf(stderr, "decode answer: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, payload.Answer)
	if payload.Error != nil {
		_, _ = fmt.Fprintf(stderr, "error kind: %s\n", payload.Error.Kind)
		return 1
	}
	return 0
}

func doRequest(ctx context.Context, client *http.Client, in request, endpoint, apiKey string) (int, []byte, error) {
	var body io.Reader
	if in.body != nil {
		body = bytes.NewReader(in.body)
	}
	req, err := http.NewRequestWithContext(ctx, in.method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if in.contentType != "" {
		req.Header.Set("Content-Type", in.contentType)
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: nlqueryctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  ask <question...>   POST /v1/answer")
	_, _ = fmt.Fprintln(w, "  history             GET /v1/history")
	_, _ = fmt.Fprintln(w, "  reload              POST /v1/corpus/reload")
	_, _ = fmt.Fprintln(w, "  corpus-push <file>  PUT /v1/corpus")
	_, _ = fmt.Fprintln(w, "  health              GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready               GET /v1/ready")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

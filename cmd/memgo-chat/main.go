// memgo-chat is a terminal client for a running memgo server. It keeps one
// session across the conversation and starts a fresh one on /new, which
// archives the old session so later chats can recall it.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"
)

var (
	serverURL = flag.String("server", getEnv("MEMGO_SERVER", "http://localhost:8080"), "memgo server URL")
	appName   = flag.String("app", "memgo-chat", "application name")
	userID    = flag.String("user", getEnv("USER", "local"), "user ID")
)

type runRequest struct {
	AppName   string `json:"appName"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type runResponse struct {
	SessionID  string `json:"sessionId"`
	Reply      string `json:"reply"`
	MemoryUsed int    `json:"memoryUsed"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func main() {
	flag.Parse()

	client := &http.Client{Timeout: 60 * time.Second}

	fmt.Printf("Chatting as %s@%s via %s\n", *userID, *appName, *serverURL)
	fmt.Println("Commands: /new (end session, start fresh), /quit")

	prompt := liner.NewLiner()
	defer prompt.Close()
	prompt.SetCtrlCAborts(true)

	sessionID := ""
	ctx := context.Background()

loop:
	for {
		line, err := prompt.Prompt("You: ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nExiting...")
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit":
			break loop
		case line == "/new":
			if sessionID != "" {
				if err := archiveSession(ctx, client, sessionID); err != nil {
					fmt.Fprintf(os.Stderr, "warning: archive failed, retried server-side: %v\n", err)
				}
			}
			sessionID = ""
			fmt.Println("Started a new session.")
			continue
		}
		prompt.AppendHistory(line)

		resp, err := runTurn(ctx, client, runRequest{
			AppName:   *appName,
			UserID:    *userID,
			SessionID: sessionID,
			Message:   line,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		sessionID = resp.SessionID

		fmt.Printf("Agent: %s\n", resp.Reply)
		if resp.MemoryUsed > 0 {
			fmt.Printf("  (recalled %d past conversation(s))\n", resp.MemoryUsed)
		}
	}

	// End the session on exit so this conversation becomes memory.
	if sessionID != "" {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := archiveSession(shutdownCtx, client, sessionID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: session not archived: %v\n", err)
		}
	}
}

func runTurn(ctx context.Context, client *http.Client, req runRequest) (*runResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, *serverURL+"/v1/run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if json.NewDecoder(httpResp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("server: %s (%s)", apiErr.Error, apiErr.Code)
		}
		return nil, fmt.Errorf("server returned %s", httpResp.Status)
	}

	var resp runResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func archiveSession(ctx context.Context, client *http.Client, sessionID string) error {
	url := fmt.Sprintf("%s/v1/apps/%s/users/%s/sessions/%s/archive", *serverURL, *appName, *userID, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

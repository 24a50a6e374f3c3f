// chat-cli is a terminal client for a courier relay. It logs in over the
// HTTP API, joins one room over the websocket and bridges stdin to it.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/courier-chat/courier/pkg/client"
	"github.com/courier-chat/courier/pkg/wire"
)

type cliConfig struct {
	apiURL   string
	nickname string
	password string
	room     string
	signup   bool
	timeout  time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("chat-cli failed: %v", err)
	}
}

func parseConfig() cliConfig {
	var cfg cliConfig
	flag.StringVar(&cfg.apiURL, "api", "http://127.0.0.1:8080", "Base URL of the relay HTTP API")
	flag.StringVar(&cfg.nickname, "nickname", "", "Account nickname")
	flag.StringVar(&cfg.password, "password", "", "Account password")
	flag.StringVar(&cfg.room, "room", "", "Room id to join")
	flag.BoolVar(&cfg.signup, "signup", false, "Create the account instead of logging in")
	flag.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Timeout for HTTP and send operations")
	flag.Parse()

	if cfg.nickname == "" || cfg.password == "" {
		log.Fatal("nickname and password are required")
	}
	if cfg.room == "" {
		log.Fatal("room id is required")
	}
	return cfg
}

func run(cfg cliConfig) error {
	token, err := authenticate(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsURL := "ws" + strings.TrimPrefix(cfg.apiURL, "http") + "/ws"
	c, err := client.New(client.Config{URL: wsURL, Token: token})
	if err != nil {
		return err
	}
	defer c.Close()
	c.Start(ctx)

	// Wait for the welcome frame before joining.
	for connected := false; !connected; {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-c.Frames():
			if frame.Type == wire.TypeWelcome {
				connected = true
			}
		}
	}
	if err := c.Join(cfg.room); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	go printFrames(ctx, c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		ack, err := c.Send(sendCtx, cfg.room, line)
		cancel()
		if err != nil {
			log.Printf("send failed: %v", err)
			continue
		}
		fmt.Printf("[#%d sent]\n", ack.Sequence)
	}
	return scanner.Err()
}

func printFrames(ctx context.Context, c *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.Frames():
			switch frame.Type {
			case wire.TypeMessage:
				if frame.Message != nil {
					fmt.Printf("[#%d] %s: %s\n", frame.Message.Sequence, frame.Message.SenderName, frame.Message.Content)
				}
			case wire.TypeUserStatus:
				fmt.Printf("* %s is %s\n", frame.Nickname, frame.Status)
			case wire.TypeError:
				fmt.Printf("! %s: %s\n", frame.Code, frame.Detail)
			}
		}
	}
}

func authenticate(cfg cliConfig) (string, error) {
	path := "/api/auth/login"
	if cfg.signup {
		path = "/api/auth/signup"
	}
	body, err := json.Marshal(map[string]string{"nickname": cfg.nickname, "password": cfg.password})
	if err != nil {
		return "", err
	}

	httpClient := &http.Client{Timeout: cfg.timeout}
	resp, err := httpClient.Post(cfg.apiURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authenticate: status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("no token in auth response")
	}
	return out.Token, nil
}

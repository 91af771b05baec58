package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenOrch/sdk/go/openorch"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openorch.Token{AccessToken: "demo-access-token", ExpiresIn: 900, TokenType: "Bearer"})
	})
	mux.HandleFunc("/api/v1/commands", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(openorch.Command{
				ID:         "cmd-demo",
				Capability: "shell.run",
				Status:     "pending",
				CreatedAt:  time.Now().Unix(),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/commands/cmd-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openorch.Command{
			ID:         "cmd-demo",
			Capability: "shell.run",
			Status:     "succeeded",
			Result: &openorch.CommandResult{
				Plugin:    "shellrun",
				Output:    map[string]any{"exit_code": 0, "stdout": "14:02:11 up 3 days\n"},
				ElapsedMs: 42,
			},
		})
	})
	mux.HandleFunc("/api/v1/plugins", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]openorch.PluginRecord{
			{Name: "shellrun", Tier: "native", State: "active", Version: "1.2.0", Capabilities: []string{"shell.run", "shell.script"}},
			{Name: "inventorysource", Tier: "native", State: "active", Version: "1.0.1"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := openorch.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, openorch.Credentials{Username: "demo", Password: "secret"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("signed in, access token %s\n", token.AccessToken)

	plugins, err := client.ListPlugins(ctx)
	if err != nil {
		panic(err)
	}
	for _, record := range plugins {
		fmt.Printf("plugin %s (%s) state=%s capabilities=%v\n", record.Name, record.Version, record.State, record.Capabilities)
	}

	cmd, err := client.SubmitCommand(ctx, openorch.CommandSubmission{
		Capability: "shell.run",
		Args:       map[string]any{"command": "uptime"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted command %s (status=%s)\n", cmd.ID, cmd.Status)

	detail, err := client.GetCommand(ctx, cmd.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("command %s finished status=%s output=%v\n", detail.ID, detail.Status, detail.Result.Output)
}

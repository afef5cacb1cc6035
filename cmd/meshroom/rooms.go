package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the relay's non-empty rooms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		file, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadClient(file, cmd.Flags())
		if err != nil {
			return err
		}
		rooms, err := fetchRooms(cmd.Context(), cfg.ServerURL)
		if err != nil {
			return err
		}
		renderRooms(os.Stdout, rooms)
		return nil
	},
}

func init() {
	roomsCmd.Flags().String("config", "", "client config file (yaml)")
	roomsCmd.Flags().String("server", "", "relay websocket URL")
}

// roomsURL turns the signaling endpoint into the HTTP room listing on the
// same host.
func roomsURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("bad server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("bad server url scheme %q", u.Scheme)
	}
	u.Path = "/api/rooms"
	u.RawQuery = ""
	return u.String(), nil
}

func fetchRooms(ctx context.Context, server string) ([]domain.RoomInfo, error) {
	endpoint, err := roomsURL(server)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list rooms: %s", resp.Status)
	}

	var body struct {
		Rooms []domain.RoomInfo `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode room list: %w", err)
	}
	return body.Rooms, nil
}

func renderRooms(w io.Writer, rooms []domain.RoomInfo) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Room", "Members"})
	for _, r := range rooms {
		t.AppendRow(table.Row{r.ID, r.MemberCount})
	}
	if len(rooms) == 0 {
		t.AppendFooter(table.Row{"no rooms", ""})
	}
	t.Render()
}

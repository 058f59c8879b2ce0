package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"meshmeet/pkg/errors"

	"github.com/spf13/cobra"
)

var createRoomCmd = &cobra.Command{
	Use:   "create-room",
	Short: "Create a room and print its id and host pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		room, err := createRoom(ctx, cfg.Client.APIURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "room:   %s\nsecret: %s\n", room.RoomID, room.Secret)
		return nil
	},
}

type createdRoom struct {
	RoomID string `json:"roomId"`
	Secret string `json:"secret"`
}

func createRoom(ctx context.Context, apiURL string) (*createdRoom, error) {
	endpoint := strings.TrimRight(apiURL, "/") + "/api/v1/rooms"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var body struct {
			Error   errors.ErrorCode `json:"error"`
			Message string           `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("create room: %s %s: %s", resp.Status, body.Error, body.Message)
	}

	var room createdRoom
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return nil, fmt.Errorf("create room: decode response: %w", err)
	}
	return &room, nil
}

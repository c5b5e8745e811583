package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:8642", "daemon listen address")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &client{
		base: "http://" + *addrFlag,
		http: &http.Client{Timeout: 15 * time.Minute},
	}

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "sync":
		sub := "full"
		if len(args) >= 2 {
			sub = args[1]
		}
		cmdSync(c, sub, *jsonFlag)
	case "users":
		signalOnly := len(args) >= 2 && args[1] == "--signal-only"
		cmdUsers(c, signalOnly, *jsonFlag)
	case "rooms":
		cmdRooms(c, *jsonFlag)
	case "room-users":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: commdashctl room-users <room-id>")
			os.Exit(1)
		}
		cmdRoomUsers(c, args[1], *jsonFlag)
	case "drift":
		cmdDrift(c, *jsonFlag)
	case "message":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: commdashctl message <room-id> <text>")
			os.Exit(1)
		}
		cmdMessage(c, args[1], strings.Join(args[2:], " "))
	case "invite":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: commdashctl invite <room-id> <user-id>")
			os.Exit(1)
		}
		cmdInvite(c, args[1], args[2])
	case "kick":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: commdashctl kick <room-id> <user-id> [reason]")
			os.Exit(1)
		}
		reason := ""
		if len(args) >= 4 {
			reason = strings.Join(args[3:], " ")
		}
		cmdKick(c, args[1], args[2], reason)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: commdashctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show daemon and sync status")
	fmt.Fprintln(os.Stderr, "  sync [full|force|entry-room|background|concurrent]")
	fmt.Fprintln(os.Stderr, "                                Trigger a sync pass (default full)")
	fmt.Fprintln(os.Stderr, "  users [--signal-only]         List cached users")
	fmt.Fprintln(os.Stderr, "  rooms                         List cached rooms")
	fmt.Fprintln(os.Stderr, "  room-users <room-id>          List users in a room")
	fmt.Fprintln(os.Stderr, "  drift                         Compare cached counts to membership rows")
	fmt.Fprintln(os.Stderr, "  message <room-id> <text>      Send a message to a room")
	fmt.Fprintln(os.Stderr, "  invite <room-id> <user-id>    Invite a user to a room")
	fmt.Fprintln(os.Stderr, "  kick <room-id> <user-id> [reason]")
	fmt.Fprintln(os.Stderr, "                                Remove a user from a room")
}

type client struct {
	base string
	http *http.Client
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *client) post(path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := c.http.Post(c.base+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			return fmt.Errorf("%s", body.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdStatus(c *client, jsonOut bool) {
	var resp struct {
		State     string         `json:"state"`
		Since     int64          `json:"since"`
		CacheOK   bool           `json:"cache_fresh"`
		LatestRun map[string]any `json:"latest_run"`
	}
	if err := c.get("/v1/sync/status", &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("State:       %s\n", resp.State)
	if resp.Since > 0 {
		fmt.Printf("Since:       %s\n", time.UnixMilli(resp.Since).Format(time.RFC3339))
	}
	fmt.Printf("Cache fresh: %v\n", resp.CacheOK)
	if resp.LatestRun == nil {
		fmt.Println("Last sync:   never")
		return
	}
	fmt.Printf("Last sync:   %v %v (rooms %v, users %v, memberships %v)\n",
		resp.LatestRun["kind"], resp.LatestRun["status"],
		resp.LatestRun["rooms_synced"], resp.LatestRun["users_synced"],
		resp.LatestRun["memberships_synced"])
}

func cmdSync(c *client, sub string, jsonOut bool) {
	var path string
	switch sub {
	case "full":
		path = "/v1/sync"
	case "force":
		path = "/v1/sync?force=true"
	case "entry-room":
		path = "/v1/sync/entry-room"
	case "background":
		path = "/v1/sync/background"
	case "concurrent":
		path = "/v1/sync/concurrent"
	default:
		fmt.Fprintf(os.Stderr, "unknown sync subcommand: %s\n", sub)
		os.Exit(1)
	}

	var resp map[string]any
	if err := c.post(path, nil, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Status: %v\n", resp["status"])
	if reason, ok := resp["reason"].(string); ok && reason != "" {
		fmt.Printf("Reason: %s\n", reason)
	}
	if resp["status"] == "completed" {
		fmt.Printf("Rooms: %v  Users: %v  Memberships: %v\n",
			resp["rooms_synced"], resp["users_synced"], resp["memberships_synced"])
	}
}

func cmdUsers(c *client, signalOnly, jsonOut bool) {
	path := "/v1/users"
	if signalOnly {
		path += "?signal_only=true"
	}
	var resp struct {
		Users []struct {
			UserID       string `json:"user_id"`
			DisplayName  string `json:"display_name"`
			RoomCount    int    `json:"room_count"`
			IsBridgeUser bool   `json:"is_bridge_user"`
		} `json:"users"`
		Count int `json:"count"`
	}
	if err := c.get(path, &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, u := range resp.Users {
		marker := " "
		if u.IsBridgeUser {
			marker = "*"
		}
		fmt.Printf("%s %-40s %-30s rooms:%d\n", marker, u.UserID, u.DisplayName, u.RoomCount)
	}
	fmt.Printf("%d users (* = signal bridge)\n", resp.Count)
}

func cmdRooms(c *client, jsonOut bool) {
	var resp struct {
		Rooms []struct {
			RoomID      string `json:"room_id"`
			Name        string `json:"name"`
			MemberCount int    `json:"member_count"`
			LastSynced  int64  `json:"last_synced"`
		} `json:"rooms"`
		Count int `json:"count"`
	}
	if err := c.get("/v1/rooms", &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, r := range resp.Rooms {
		synced := "never"
		if r.LastSynced > 0 {
			synced = time.UnixMilli(r.LastSynced).Format(time.RFC3339)
		}
		fmt.Printf("%-40s %-30s members:%-5d synced:%s\n", r.RoomID, r.Name, r.MemberCount, synced)
	}
	fmt.Printf("%d rooms\n", resp.Count)
}

func cmdRoomUsers(c *client, roomID string, jsonOut bool) {
	var resp struct {
		Users []struct {
			UserID      string `json:"user_id"`
			DisplayName string `json:"display_name"`
		} `json:"users"`
		Count int `json:"count"`
	}
	if err := c.get("/v1/rooms/"+url.PathEscape(roomID)+"/users", &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, u := range resp.Users {
		fmt.Printf("%-40s %s\n", u.UserID, u.DisplayName)
	}
	fmt.Printf("%d users\n", resp.Count)
}

func cmdDrift(c *client, jsonOut bool) {
	var resp struct {
		Rooms []struct {
			RoomID         string `json:"room_id"`
			Name           string `json:"name"`
			CachedCount    int    `json:"cached_count"`
			MembershipRows int    `json:"membership_rows"`
			NeedsSync      bool   `json:"needs_sync"`
		} `json:"rooms"`
	}
	if err := c.get("/v1/sync/drift", &resp); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	drifted := 0
	for _, r := range resp.Rooms {
		if !r.NeedsSync {
			continue
		}
		drifted++
		fmt.Printf("%-40s %-30s cached:%d rows:%d\n", r.RoomID, r.Name, r.CachedCount, r.MembershipRows)
	}
	if drifted == 0 {
		fmt.Println("no drift detected")
	} else {
		fmt.Printf("%d rooms need sync\n", drifted)
	}
}

func cmdMessage(c *client, roomID, text string) {
	body := map[string]string{"body": text}
	if err := c.post("/v1/rooms/"+url.PathEscape(roomID)+"/message", body, nil); err != nil {
		fatal(err)
	}
	fmt.Println("sent")
}

func cmdInvite(c *client, roomID, userID string) {
	body := map[string]string{"user_id": userID}
	if err := c.post("/v1/rooms/"+url.PathEscape(roomID)+"/invite", body, nil); err != nil {
		fatal(err)
	}
	fmt.Println("invited")
}

func cmdKick(c *client, roomID, userID, reason string) {
	body := map[string]string{"user_id": userID, "reason": reason}
	if err := c.post("/v1/rooms/"+url.PathEscape(roomID)+"/kick", body, nil); err != nil {
		fatal(err)
	}
	fmt.Println("removed")
}

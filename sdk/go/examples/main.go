package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"AgentDesk/sdk/go/agentdesk"
)

// 演示一次完整的对话：发起、跟随事件流，需要确认时自动回复 "yes"。
func main() {
	baseURL := os.Getenv("AGENTDESK_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client, err := agentdesk.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetCredential(os.Getenv("AGENTDESK_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	started, err := client.StartChat(ctx, agentdesk.ChatRequest{
		UserID:      "demo-user",
		InstituteID: "demo-institute",
		Message:     "Enroll student 42 in the course Algebra I",
	})
	if err != nil {
		log.Fatalf("start chat: %v", err)
	}
	fmt.Println("session", started.SessionID)

	for {
		events, err := client.Stream(ctx, started.SessionID)
		if err != nil {
			log.Fatalf("stream: %v", err)
		}
		paused := false
		for event := range events {
			fmt.Printf("[%s] %s%s%s\n", event.Type, event.Text, event.Summary, event.Error)
			if event.Type == "awaiting_input" {
				paused = true
				break
			}
		}
		if !paused {
			return
		}
		if _, err := client.Respond(ctx, started.SessionID, "yes"); err != nil {
			log.Fatalf("respond: %v", err)
		}
	}
}

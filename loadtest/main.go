// Load test: pairs of users converse through the full protocol —
// register, login, create a direct conversation, authenticate over the
// websocket, then send messages via the durable write while listening
// for new_message fan-out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"vibechat/internal/client"
)

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base URL")
	wsURL := flag.String("ws", "ws://localhost:8080/ws", "websocket URL")
	pairs := flag.Int("pairs", 50, "number of conversation pairs")
	msgs := flag.Int("msgs", 20, "messages per user")
	flag.Parse()

	log.Printf("starting: %d users, %d messages each", *pairs*2, *msgs)

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(*baseURL, *wsURL, pairID, *msgs)
		}(i)
	}
	wg.Wait()
	log.Println("load test complete")
}

func runPair(baseURL, wsURL string, pairID, msgs int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	nameA := fmt.Sprintf("u_%d_a", pairID)
	nameB := fmt.Sprintf("u_%d_b", pairID)
	pass := "loadtest-pass"

	apiA, userA := authenticate(ctx, baseURL, nameA, pass)
	apiB, userB := authenticate(ctx, baseURL, nameB, pass)
	if apiA == nil || apiB == nil {
		return
	}

	conv, err := apiA.CreateDirectConversation(ctx, userB)
	if err != nil {
		log.Printf("pair %d: create conversation: %v", pairID, err)
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go converse(ctx, &wsWg, wsURL, apiA, userA, conv.ID, nameA, msgs)
	go converse(ctx, &wsWg, wsURL, apiB, userB, conv.ID, nameB, msgs)
	wsWg.Wait()
}

func authenticate(ctx context.Context, baseURL, username, password string) (*client.API, int64) {
	api := client.NewAPI(baseURL)
	_ = api.Register(ctx, username, password) // may already exist

	res, err := api.Login(ctx, username, password)
	if err != nil {
		log.Printf("login %s: %v", username, err)
		return nil, 0
	}
	return api, res.ID
}

func converse(ctx context.Context, wg *sync.WaitGroup, wsURL string, api *client.API, userID, convID int64, name string, msgs int) {
	defer wg.Done()

	conn, err := client.Dial(ctx, wsURL)
	if err != nil {
		log.Printf("%s: ws dial: %v", name, err)
		return
	}
	defer conn.Close()

	if err := conn.Authenticate(api.Token()); err != nil {
		log.Printf("%s: ws auth: %v", name, err)
		return
	}

	session := client.NewSession(userID, api)
	go conn.Listen(ctx, session)

	if err := conn.Join(convID); err != nil {
		return
	}

	for i := 0; i < msgs; i++ {
		content := fmt.Sprintf("loadtest msg %d from %s", i, name)
		if _, err := session.Send(ctx, convID, content); err != nil {
			log.Printf("%s: send %d: %v", name, i, err)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("%s finished sending %d msgs, cache holds %d", name, msgs, len(session.Messages(convID)))
}

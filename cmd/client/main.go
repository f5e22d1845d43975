package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-securechat/internal/api"
	"github.com/npezzotti/go-securechat/internal/client"
	"github.com/npezzotti/go-securechat/internal/e2ee"
	"github.com/npezzotti/go-securechat/internal/reconcile"
	"github.com/npezzotti/go-securechat/internal/server"
	"github.com/npezzotti/go-securechat/internal/types"
)

const usage = `commands:
  /typing          start typing
  /idle            stop typing
  /read <id>       mark a message read
  /retry <temp>    resend a failed message
  /discard <temp>  drop a failed message
  /newkey          generate a room key (key exchange mode)
  /key             ask room members for the room key
  /history         print the timeline
  /quit            leave
anything else is sent as a message`

func main() {
	var (
		url        string
		token      string
		signingKey string
		roomId     int
		userId     int
		username   string
		lang       string
		exchange   bool
	)

	flag.StringVar(&url, "url", "ws://localhost:8000/ws", "chat server websocket url")
	flag.StringVar(&token, "token", "", "session token")
	flag.StringVar(&signingKey, "signing-key", "", "base64 signing key used to mint a token when -token is empty")
	flag.IntVar(&roomId, "room", 1, "room to join")
	flag.IntVar(&userId, "user-id", 0, "your user id")
	flag.StringVar(&username, "username", "", "your username")
	flag.StringVar(&lang, "lang", "en", "language for client messages")
	flag.BoolVar(&exchange, "key-exchange", false, "use random room keys shared between members")
	flag.Parse()

	logger := log.New(os.Stderr, "[securechat-client] ", log.LstdFlags)

	if userId <= 0 {
		logger.Fatal("-user-id is required")
	}

	if token == "" {
		key, err := base64.StdEncoding.DecodeString(signingKey)
		if err != nil || len(key) == 0 {
			logger.Fatal("either -token or a base64 -signing-key is required")
		}
		if token, err = api.NewToken(key, userId, api.DefaultTokenExpiration); err != nil {
			logger.Fatal("sign token:", err)
		}
	}

	opts := client.Options{Token: token, Lang: lang, Logger: logger}
	if exchange {
		identity, err := e2ee.GenerateIdentity()
		if err != nil {
			logger.Fatal("identity:", err)
		}
		opts.Keys = e2ee.NewWrappedKeyProvider(identity)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.Dial(ctx, url, types.User{Id: userId, Username: username}, opts)
	cancel()
	if err != nil {
		logger.Fatal(err)
	}
	defer c.Close()

	go func() {
		if err := c.Run(); err != nil {
			logger.Println(err)
		}
	}()

	if err := c.Join(roomId); err != nil {
		logger.Fatal("join:", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range c.Events() {
			printEvent(ev)
		}
	}()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		c.Close()
	}()

	fmt.Println(usage)
	lines := bufio.NewScanner(os.Stdin)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		if err := runCommand(c, opts.Keys, roomId, line); err != nil {
			fmt.Println("error:", err)
		}
	}

	c.Close()
	<-done
}

func runCommand(c *client.Client, keys *e2ee.WrappedKeyProvider, roomId int, line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/typing":
		return c.SetTyping(roomId, true)
	case "/idle":
		return c.SetTyping(roomId, false)
	case "/read":
		id, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid message id %q", arg)
		}
		return c.MarkRead(id)
	case "/retry":
		return c.Retry(roomId, arg)
	case "/discard":
		if tl := c.Timeline(roomId); tl == nil || !tl.Discard(arg) {
			return fmt.Errorf("no message %s", arg)
		}
		return nil
	case "/newkey":
		if keys == nil {
			return fmt.Errorf("run with -key-exchange to manage room keys")
		}
		return keys.GenerateRoomKey(roomId)
	case "/key":
		return c.RequestRoomKey(roomId)
	case "/history":
		if tl := c.Timeline(roomId); tl != nil {
			for _, e := range tl.Entries() {
				printEntry(e)
			}
		}
		return nil
	}

	if strings.HasPrefix(cmd, "/") {
		return fmt.Errorf("unknown command %s", cmd)
	}

	_, err := c.Send(roomId, line)
	return err
}

func printEntry(e reconcile.Entry) {
	id := strconv.Itoa(e.Id)
	if e.IsTemp() {
		id = e.TempId
	}

	status := ""
	if e.Status != reconcile.StatusConfirmed {
		status = " (" + e.Status.String() + ")"
	}

	fmt.Printf("[%s] #%s %s: %s%s\n", e.CreatedAt.Local().Format(time.Kitchen), id, e.Sender.Username, e.Text, status)
}

func printEvent(ev client.Event) {
	switch ev.Type {
	case client.EventJoined:
		fmt.Printf("* joined room %d\n", ev.RoomId)
	case client.EventSendFailed:
		fmt.Printf("* message not sent: %v (use /retry)\n", ev.Err)
	case server.NotifyNewMessage:
		printEntry(*ev.Entry)
	case server.NotifyTyping:
		if ev.IsTyping {
			fmt.Printf("* %s is typing...\n", ev.User.Username)
		} else {
			fmt.Printf("* %s stopped typing\n", ev.User.Username)
		}
	case server.NotifyUserJoined:
		fmt.Printf("* %s joined\n", ev.User.Username)
	case server.NotifyUserLeft:
		fmt.Printf("* %s left\n", ev.User.Username)
	case server.NotifyRoomUsers:
		names := make([]string, 0, len(ev.Users))
		for _, u := range ev.Users {
			names = append(names, u.Username)
		}
		fmt.Printf("* online: %s\n", strings.Join(names, ", "))
	case server.NotifyMessageRead:
		fmt.Printf("* %s read #%d\n", ev.User.Username, ev.Read.MessageId)
	case server.NotifyRoomKeyRequest:
		fmt.Printf("* %s asked for the room key\n", ev.User.Username)
	case server.NotifyRoomKey:
		fmt.Printf("* received the room key from %s\n", ev.User.Username)
	case server.NotifyError:
		fmt.Printf("* error: %v\n", ev.Err)
	}
}

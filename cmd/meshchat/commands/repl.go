package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"meshchat/crypto"
	"meshchat/directory"
	"meshchat/ledger"
	"meshchat/models"
	"meshchat/network"
)

const defaultHistoryLimit = 20

const helpText = `commands:
  /send <peer> <text>          send a direct message
  /group <group-id> <text>     send to every member of a group
  /broadcast <text>            flood a message to the mesh
  /peers                       list known peers
  /groups                      list groups
  /history <peer|conv> [n]     show the last n messages
  /search <peer|conv> <query>  search a conversation
  /cancel <message-id>         stop retrying a message
  /quit                        exit
`

// repl is the line-oriented console of a running node.
type repl struct {
	userID    string
	router    *network.Router
	ledger    *ledger.Ledger
	directory *directory.Directory

	outMu sync.Mutex
	out   io.Writer
}

func newREPL(userID string, router *network.Router, led *ledger.Ledger, dir *directory.Directory, out io.Writer) *repl {
	return &repl{userID: userID, router: router, ledger: led, directory: dir, out: out}
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// listener prints router events as they happen.
func (r *repl) listener() network.Listener {
	return network.ListenerFuncs{
		MessageReceived: func(msg models.Message) {
			r.printf("<< [%s] %s: %s\n", msg.ConversationID, msg.SenderID, msg.Content)
		},
		DeliveryStatusChanged: func(event network.DeliveryStatusEvent) {
			switch event.Status {
			case models.DeliveryDelivered:
				r.printf("-- %s delivered to %s\n", event.MessageID, event.PeerID)
			case models.DeliveryFailed:
				r.printf("-- %s to %s failed: %v\n", event.MessageID, event.PeerID, event.Err)
			}
		},
		PeerStatusChanged: func(peer models.Peer) {
			r.printf("-- peer %s is %s\n", peer.ID, peer.Status)
		},
	}
}

// Run reads commands from in until /quit, EOF or ctx is done.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if r.execute(ctx, line) {
				return nil
			}
		}
	}
}

// execute runs one command line and reports whether the console should exit.
func (r *repl) execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s", helpText)
	case "/send":
		err = r.send(ctx, rest)
	case "/group":
		err = r.sendGroup(ctx, rest)
	case "/broadcast":
		err = r.broadcast(ctx, rest)
	case "/peers":
		r.peers()
	case "/groups":
		r.groups()
	case "/history":
		err = r.history(ctx, rest)
	case "/search":
		err = r.search(ctx, rest)
	case "/cancel":
		err = r.router.CancelDelivery(ctx, rest)
	default:
		err = fmt.Errorf("unknown command %q, try /help", name)
	}
	if err != nil {
		r.printf("error: %v\n", err)
	}
	return false
}

func splitTarget(args, usage string) (string, string, error) {
	target, text, ok := strings.Cut(args, " ")
	text = strings.TrimSpace(text)
	if !ok || target == "" || text == "" {
		return "", "", errors.New("usage: " + usage)
	}
	return target, text, nil
}

func (r *repl) send(ctx context.Context, args string) error {
	peerID, text, err := splitTarget(args, "/send <peer> <text>")
	if err != nil {
		return err
	}
	msg, err := r.router.SendDirect(ctx, peerID, text)
	if err != nil {
		return err
	}
	r.printf(">> %s [%s]\n", msg.ID, msg.DeliveryStatus)
	return nil
}

func (r *repl) sendGroup(ctx context.Context, args string) error {
	groupID, text, err := splitTarget(args, "/group <group-id> <text>")
	if err != nil {
		return err
	}
	results, err := r.router.SendGroup(ctx, groupID, text)
	for _, result := range results {
		if result.Err != nil {
			r.printf(">> %s: %v\n", result.PeerID, result.Err)
			continue
		}
		r.printf(">> %s: %s [%s]\n", result.PeerID, result.MessageID, result.Status)
	}
	return err
}

func (r *repl) broadcast(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("usage: /broadcast <text>")
	}
	msg, err := r.router.Broadcast(ctx, text, 0)
	if err != nil {
		return err
	}
	r.printf(">> %s [%s]\n", msg.ID, msg.DeliveryStatus)
	return nil
}

func (r *repl) peers() {
	peers := r.directory.Peers()
	if len(peers) == 0 {
		r.printf("no known peers\n")
		return
	}
	for _, peer := range peers {
		r.printf("%-16s %-8s %s\n", peer.ID, peer.Status, crypto.FormatFingerprint(crypto.KeyFingerprint(peer.PublicKey)))
	}
}

func (r *repl) groups() {
	groups := r.directory.Groups()
	if len(groups) == 0 {
		r.printf("no groups\n")
		return
	}
	for _, group := range groups {
		r.printf("%s %s [%s]\n", group.ID, group.Name, strings.Join(group.MemberIDs, ", "))
	}
}

func (r *repl) history(ctx context.Context, args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		return errors.New("usage: /history <peer|conversation> [n]")
	}
	limit := defaultHistoryLimit
	if len(fields) == 2 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid message count %q", fields[1])
		}
		limit = n
	}

	conversationID, err := r.resolveConversation(fields[0])
	if err != nil {
		return err
	}
	msgs, err := r.ledger.ListByConversation(ctx, conversationID, limit, 0)
	if err != nil {
		return err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		r.printMessage(msgs[i])
	}
	return nil
}

func (r *repl) search(ctx context.Context, args string) error {
	target, query, err := splitTarget(args, "/search <peer|conversation> <query>")
	if err != nil {
		return err
	}
	conversationID, err := r.resolveConversation(target)
	if err != nil {
		return err
	}
	msgs, err := r.ledger.Search(ctx, conversationID, query)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		r.printf("no matches\n")
	}
	for _, msg := range msgs {
		r.printMessage(msg)
	}
	return nil
}

func (r *repl) printMessage(msg models.Message) {
	at := time.UnixMilli(msg.Timestamp).Format("2006-01-02 15:04:05")
	r.printf("%s %s: %s [%s]\n", at, msg.SenderID, msg.Content, msg.DeliveryStatus)
}

// resolveConversation accepts a conversation id, a group id or a peer id.
func (r *repl) resolveConversation(target string) (string, error) {
	if target == ledger.BroadcastConversationID || strings.HasPrefix(target, "dm-") || strings.HasPrefix(target, "group-") {
		return target, ledger.ValidateConversationID(target)
	}
	if _, err := r.directory.Group(target); err == nil {
		return ledger.GroupConversationID(target)
	}
	return ledger.DirectConversationID(r.userID, target)
}

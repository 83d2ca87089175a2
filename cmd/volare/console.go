package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dtonon/volare/internal/interactor"
	nostrclient "github.com/dtonon/volare/internal/nostr"
	"github.com/dtonon/volare/internal/view"
)

const consoleHelp = `commands:
  feed                      reload the home feed
  more                      load older posts
  thread <nevent|id>        show a thread
  collapse <id>             collapse or expand a reply
  up|down|unvote <id>       vote on a post or reply
  follow|unfollow <pubkey>  follow a profile
  topic|untopic <name>      follow a topic
  bookmark|unbookmark <id>  bookmark a post
  profile <npub|hex>        show a profile
  relays                    show the edited relay list
  relay add|rm|read|write <url>
  relay save                publish the relay list
  switch <nsec|npub>        change account
  sweep                     run a storage sweep now
  status                    show diagnostics
  quit`

type console struct {
	app *app
	in  io.Reader
	out io.Writer
}

func newConsole(a *app, in io.Reader, out io.Writer) *console {
	return &console{app: a, in: in, out: out}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// run reads commands until quit, EOF or ctx is done
func (c *console) run(ctx context.Context) {
	c.printf("%s\n> ", consoleHelp)
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			if fields[0] == "quit" || fields[0] == "exit" {
				return
			}
			if err := c.exec(ctx, fields[0], fields[1:]); err != nil {
				c.printf("error: %v\n", err)
			}
		}
		c.printf("> ")
	}
}

func arg(args []string, n int) (string, error) {
	if len(args) <= n {
		return "", fmt.Errorf("missing argument")
	}
	return args[n], nil
}

func (c *console) exec(ctx context.Context, cmd string, args []string) error {
	a := c.app
	switch cmd {
	case "help":
		c.printf("%s\n", consoleHelp)
		return nil
	case "feed":
		if err := a.feed.Refresh(ctx); err != nil {
			return err
		}
		return c.printFeed(ctx)
	case "more":
		if err := a.feed.Append(ctx); err != nil {
			return err
		}
		return c.printFeed(ctx)
	case "status":
		diag, err := a.diagnostics.Collect(ctx)
		if err != nil {
			return err
		}
		c.printf("%s", diag.FormatAsText())
		return nil
	case "sweep":
		deleted, err := a.sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		c.printf("swept %d rows\n", deleted)
		return nil
	case "relays":
		return c.printRelays(ctx)
	case "relay":
		return c.relay(ctx, args)
	}

	value, err := arg(args, 0)
	if err != nil {
		return err
	}
	switch cmd {
	case "thread":
		return c.printThread(ctx, value)
	case "collapse":
		a.threads.Collapsed().Toggle(value)
	case "up", "down", "unvote":
		return c.vote(ctx, cmd, value)
	case "follow":
		a.profiles.Follow(value)
	case "unfollow":
		a.profiles.Unfollow(value)
	case "topic":
		a.topics.Follow(value)
	case "untopic":
		a.topics.Unfollow(value)
	case "bookmark":
		a.bookmarks.Bookmark(value)
	case "unbookmark":
		a.bookmarks.Unbookmark(value)
	case "profile":
		return c.printProfile(ctx, value)
	case "switch":
		if err := a.switcher.Switch(ctx, value); err != nil {
			return err
		}
		c.printf("active account %s\n", a.manager.Pubkey())
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (c *console) vote(ctx context.Context, cmd, id string) error {
	ev, err := c.app.storage.GetMainEvent(ctx, id)
	if err != nil {
		return fmt.Errorf("event %s is not stored: %w", id, err)
	}
	dir := interactor.Neutral
	switch cmd {
	case "up":
		dir = interactor.Up
	case "down":
		dir = interactor.Down
	}
	c.app.voter.Vote(ev.ID, ev.Pubkey, nostrclient.KindTextNote, dir)
	return nil
}

func (c *console) name(item view.Item) string {
	if item.AuthorName != "" {
		return item.AuthorName
	}
	return short(item.Pubkey)
}

func short(hex string) string {
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}

func (c *console) printFeed(ctx context.Context) error {
	items, err := c.app.feed.Items(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		title := item.Subject
		if title == "" {
			title = firstLine(item.Content)
		}
		c.printf("%s  %-16s  +%d/-%d  %d replies  %s\n",
			short(item.ID), c.name(item), item.Tally.Up, item.Tally.Down, item.ReplyCount, title)
	}
	if c.app.feed.HasMoreRecent() {
		c.printf("(newer posts available, run feed)\n")
	}
	return nil
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}

func (c *console) printThread(ctx context.Context, ref string) error {
	root, handle, err := c.app.threads.Root(ctx, ref, true)
	if err != nil {
		return err
	}
	defer handle.Close()

	c.printf("%s  %s\n%s\n\n", short(root.ID), short(root.Pubkey), root.Content)
	nodes, err := c.app.threads.Snapshot(ctx, root.ID, root.Pubkey)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		name := n.AuthorName
		if name == "" {
			name = short(n.Pubkey)
		}
		marker := ""
		if n.IsCollapsed {
			marker = " [+]"
		}
		c.printf("%s%s  %s  +%d/-%d%s  %s\n", strings.Repeat("  ", n.Level), short(n.ID), name,
			n.Tally.Up, n.Tally.Down, marker, firstLine(n.Content))
	}
	return nil
}

func (c *console) printProfile(ctx context.Context, ref string) error {
	p, err := c.app.profileView.Load(ctx, ref)
	if err != nil {
		return err
	}
	c.printf("%s  %s  followed=%t\n", p.Pubkey, p.Name, p.Followed)
	for _, r := range p.Relays {
		c.printf("  %s read=%t write=%t\n", r.URL, r.IsRead, r.IsWrite)
	}
	return nil
}

func (c *console) printRelays(ctx context.Context) error {
	e := c.app.relayEditor
	if len(e.Entries()) == 0 {
		if err := e.Load(ctx); err != nil {
			return err
		}
	}
	statuses := e.Statuses()
	for _, r := range e.Entries() {
		c.printf("%-40s read=%-5t write=%-5t %s\n", r.URL, r.Read, r.Write, statuses[r.URL])
	}
	if popular := e.PopularRelays(ctx); len(popular) > 0 {
		c.printf("popular: %s\n", strings.Join(popular, " "))
	}
	return nil
}

func (c *console) relay(ctx context.Context, args []string) error {
	e := c.app.relayEditor
	sub, err := arg(args, 0)
	if err != nil {
		return err
	}
	if sub == "save" {
		if e.IsSaving() {
			return fmt.Errorf("save in progress")
		}
		saveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return e.Save(saveCtx)
	}

	url, err := arg(args, 1)
	if err != nil {
		return err
	}
	ok := true
	switch sub {
	case "add":
		return e.Add(url)
	case "rm":
		ok = e.Remove(url)
	case "read":
		ok = e.ToggleRead(url)
	case "write":
		ok = e.ToggleWrite(url)
	default:
		return fmt.Errorf("unknown relay command %q", sub)
	}
	if !ok {
		return fmt.Errorf("relay %s unchanged", url)
	}
	return nil
}

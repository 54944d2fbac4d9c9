package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/luciancaetano/roomnet"
)

var typeStyles = map[roomnet.Type]color.Style{
	roomnet.TaskUpdate:         color.New(color.FgGreen),
	roomnet.ProjectUpdate:      color.New(color.FgCyan),
	roomnet.TeamUpdate:         color.New(color.FgBlue),
	roomnet.SystemNotification: color.New(color.FgYellow, color.OpBold),
	roomnet.ChatMessage:        color.New(color.FgWhite),
	roomnet.PresenceStatus:     color.New(color.FgGray),
	roomnet.ErrorNotice:        color.New(color.FgRed),
	roomnet.ConnectionState:    color.New(color.BgBlack, color.FgMagenta),
}

// printer writes one line per envelope and counts envelopes per type.
type printer struct {
	out     io.Writer
	colours bool

	mu     sync.Mutex
	counts map[roomnet.Type]int
}

func newPrinter(out io.Writer, colours bool) *printer {
	return &printer{out: out, colours: colours, counts: make(map[roomnet.Type]int)}
}

func (p *printer) handle(env roomnet.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[env.Type]++
	fmt.Fprintln(p.out, p.format(env))
}

func (p *printer) format(env roomnet.Envelope) string {
	label := fmt.Sprintf("%-19s", env.Type)
	if style, ok := typeStyles[env.Type]; ok && p.colours {
		label = style.Render(label)
	}

	at := env.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	line := at.Format(time.TimeOnly) + " " + label

	if env.Type == roomnet.ConnectionState {
		change, err := roomnet.ParseStateChange(env)
		if err != nil {
			return line + " " + err.Error()
		}
		line += " " + string(change.State)
		if change.Attempt > 0 {
			line += fmt.Sprintf(" attempt=%d", change.Attempt)
		}
		if change.Delay > 0 {
			line += " delay=" + change.Delay.String()
		}
		if change.Error != "" {
			line += " error=" + strconv.Quote(change.Error)
		}
		return line
	}

	if room := target(env); room != "" {
		line += " " + string(room)
	}
	if env.UserID != "" {
		line += " from=" + env.UserID
	}
	if len(env.Data) > 0 {
		line += " " + string(env.Data)
	}
	return line
}

func target(env roomnet.Envelope) roomnet.RoomID {
	switch {
	case env.Room != "":
		return env.Room
	case env.ProjectID != "":
		return roomnet.ProjectRoom(env.ProjectID)
	case env.WorkspaceID != "":
		return roomnet.WorkspaceRoom(env.WorkspaceID)
	}
	return ""
}

// summary renders the per-type counts.
func (p *printer) summary(out io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := lo.Keys(p.counts)
	slices.Sort(types)

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Type", "Count"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, t := range types {
		table.Append([]string{string(t), strconv.Itoa(p.counts[t])})
	}
	table.SetFooter([]string{"Total", strconv.Itoa(lo.Sum(lo.Values(p.counts)))})
	table.Render()
}

package kmain

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Report is a snapshot of a booted system.
type Report struct {
	BootID    string          `codec:"boot_id"`
	Processes []ProcessReport `codec:"processes"`
	Channels  []ChannelReport `codec:"channels"`
	Untyped   []RegionReport  `codec:"untyped"`
	FreeSlots int             `codec:"free_slots"`
}

// ProcessReport describes one child process.
type ProcessReport struct {
	ID        string        `codec:"id"`
	Name      string        `codec:"name"`
	State     string        `codec:"state"`
	Entry     uint64        `codec:"entry"`
	TCB       uint64        `codec:"tcb"`
	CNode     uint64        `codec:"cnode"`
	VSpace    uint64        `codec:"vspace"`
	ASID      int           `codec:"asid"`
	IPCBuffer uint64        `codec:"ipc_buffer"`
	Fetches   []uint64      `codec:"fetches"`
	Pages     []PageReport  `codec:"pages"`
	Grants    []GrantReport `codec:"grants"`
}

// PageReport describes one mapped image page.
type PageReport struct {
	Vaddr uint64 `codec:"vaddr"`
	Perm  string `codec:"perm"`
}

// GrantReport describes a channel capability held by a process.
type GrantReport struct {
	Channel string `codec:"channel"`
	Slot    uint64 `codec:"slot"`
	Rights  string `codec:"rights"`
	Badge   uint64 `codec:"badge"`
}

// ChannelReport describes a wired channel.
type ChannelReport struct {
	Name         string `codec:"name"`
	Sender       string `codec:"sender"`
	Receiver     string `codec:"receiver"`
	Badge        uint64 `codec:"badge"`
	Notification uint64 `codec:"notification"`
}

// RegionReport describes the use of an untyped region.
type RegionReport struct {
	Cap      uint64 `codec:"cap"`
	PhysAddr uint64 `codec:"paddr"`
	SizeBits uint8  `codec:"size_bits"`
	Device   bool   `codec:"device"`
	Used     uint64 `codec:"used"`
}

// Report collects the current state of the system. Process states are read
// from the kernel, so children that exited since the bootstrap are reported
// as such.
func (s *System) Report() Report {
	rep := Report{
		BootID:    s.BootID.String(),
		FreeSlots: s.alloc.FreeSlots(),
	}

	for _, p := range s.Processes {
		pr := ProcessReport{
			ID:        p.ID.String(),
			Name:      p.Name,
			State:     p.State().String(),
			Entry:     uint64(p.Entry),
			TCB:       uint64(p.TCB),
			CNode:     uint64(p.CNode),
			IPCBuffer: uint64(p.IPCBuffer.Addr),
		}

		if p.AddressSpace != nil {
			pr.VSpace = uint64(p.AddressSpace.Root)
			pr.ASID, _ = s.k.ASID(p.AddressSpace.Root)
			for _, page := range p.AddressSpace.Pages {
				pr.Pages = append(pr.Pages, PageReport{Vaddr: uint64(page.Page.Address()), Perm: page.Perm.String()})
			}
		}

		if info, err := s.k.TCB(p.TCB); err == nil {
			for _, pc := range info.Fetches {
				pr.Fetches = append(pr.Fetches, uint64(pc))
			}
		}

		for _, g := range p.Grants {
			pr.Grants = append(pr.Grants, GrantReport{
				Channel: g.Channel,
				Slot:    g.Slot,
				Rights:  g.Rights.String(),
				Badge:   uint64(g.Badge),
			})
		}

		rep.Processes = append(rep.Processes, pr)
	}

	for _, ch := range s.Channels {
		rep.Channels = append(rep.Channels, ChannelReport{
			Name:         ch.Name,
			Sender:       ch.Sender,
			Receiver:     ch.Receiver,
			Badge:        uint64(ch.Badge),
			Notification: uint64(ch.Notification),
		})
	}

	for _, r := range s.alloc.Regions() {
		rep.Untyped = append(rep.Untyped, RegionReport{
			Cap:      uint64(r.Cap),
			PhysAddr: uint64(r.PhysAddr),
			SizeBits: r.SizeBits,
			Device:   r.IsDevice,
			Used:     uint64(r.Cursor),
		})
	}

	return rep
}

// WriteText prints the report as aligned tables.
func (r Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "boot %s\n\n", r.BootID)
	fmt.Fprintln(tw, "PROCESS\tSTATE\tENTRY\tFIRST FETCH\tASID\tIPC BUFFER\tPAGES\tGRANTS")
	for _, p := range r.Processes {
		firstFetch := "-"
		if len(p.Fetches) > 0 {
			firstFetch = fmt.Sprintf("%#x", p.Fetches[0])
		}

		grants := "-"
		for i, g := range p.Grants {
			entry := fmt.Sprintf("%s@%d(%s,badge=%#x)", g.Channel, g.Slot, g.Rights, g.Badge)
			if i == 0 {
				grants = entry
			} else {
				grants += " " + entry
			}
		}

		fmt.Fprintf(tw, "%s\t%s\t%#x\t%s\t%d\t%#x\t%d\t%s\n", p.Name, p.State, p.Entry, firstFetch, p.ASID, p.IPCBuffer, len(p.Pages), grants)
	}

	fmt.Fprintln(tw, "\nCHANNEL\tBADGE\tNOTIFICATION")
	for _, ch := range r.Channels {
		fmt.Fprintf(tw, "%s\t%#x\t%d\n", ch.Name, ch.Badge, ch.Notification)
	}

	fmt.Fprintln(tw, "\nUNTYPED\tPADDR\tSIZE\tUSED\tDEVICE")
	for _, u := range r.Untyped {
		fmt.Fprintf(tw, "%d\t%#x\t%d\t%d\t%t\n", u.Cap, u.PhysAddr, uint64(1)<<u.SizeBits, u.Used, u.Device)
	}
	fmt.Fprintf(tw, "\nfree slots: %d\n", r.FreeSlots)

	return tw.Flush()
}

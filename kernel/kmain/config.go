package kmain

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"rootserver/kernel/bootinfo"
	"rootserver/kernel/cap"
	"rootserver/kernel/image"
	"rootserver/kernel/proc"
)

// Config describes the processes to bootstrap.
type Config struct {
	// CNodeSizeBits is the radix of each child CNode.
	CNodeSizeBits uint8

	// IPCBufferAddr is the address of each child's IPC buffer. Zero
	// places the buffer after the child's image.
	IPCBufferAddr uintptr

	// ScratchAddr is the root image page used to stage child memory.
	// Zero selects the last page of the root image.
	ScratchAddr uintptr

	Images   []*image.Image
	Channels []*proc.Channel
}

// NewConfig builds a Config from the boot section of a manifest. Children
// without an ELF path get the built-in demo image.
func NewConfig(boot bootinfo.Boot) (Config, error) {
	cfg := Config{
		CNodeSizeBits: boot.CNodeSizeBits,
		IPCBufferAddr: uintptr(boot.IPCBufferAddr),
		ScratchAddr:   uintptr(boot.ScratchAddr),
	}

	for _, child := range boot.Children {
		img, err := loadImage(child)
		if err != nil {
			return Config{}, err
		}
		cfg.Images = append(cfg.Images, img)
	}

	for _, ch := range boot.Channels {
		cfg.Channels = append(cfg.Channels, &proc.Channel{
			Name:     fmt.Sprintf("%s->%s", ch.Sender, ch.Receiver),
			Sender:   ch.Sender,
			Receiver: ch.Receiver,
			Badge:    cap.Badge(ch.Badge),
		})
	}

	return cfg, nil
}

func loadImage(child bootinfo.Child) (*image.Image, error) {
	if child.ELF == "" {
		return DemoImage(child.Name), nil
	}

	f, err := os.Open(child.ELF)
	if err != nil {
		return nil, errors.Wrapf(err, "child %q", child.Name)
	}
	defer f.Close()

	img, err := image.FromELF(f)
	if err != nil {
		return nil, errors.Wrapf(err, "child %q: loading %s", child.Name, child.ELF)
	}
	img.Name = child.Name
	return img, nil
}

// Layout of the built-in demo image.
const (
	DemoTextAddr = 0x10000
	DemoDataAddr = 0x11000
	DemoBSSSize  = 0x800
)

// demoText parks the thread: wfi followed by a branch back to it.
var demoText = []uint32{0xd503207f, 0x17ffffff}

// DemoImage returns a small image with an executable text page that holds
// the entry point and a read/write data page that starts with name.
func DemoImage(name string) *image.Image {
	text := make([]byte, 4*len(demoText))
	for i, insn := range demoText {
		binary.LittleEndian.PutUint32(text[4*i:], insn)
	}

	return &image.Image{
		Name:  name,
		Entry: DemoTextAddr,
		Segments: []image.Segment{
			{Vaddr: DemoTextAddr, MemSize: uint64(len(text)), Data: text, Perm: image.PermRead | image.PermExec},
			{Vaddr: DemoDataAddr, MemSize: uint64(len(name)) + DemoBSSSize, Data: []byte(name), Perm: image.PermRead | image.PermWrite},
		},
	}
}

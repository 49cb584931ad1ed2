package bootinfo

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"rootserver/kernel/cap"
	"rootserver/kernel/mem"
)

// Default manifest values.
const (
	DefaultRootCNodeBits = 12
	DefaultASIDPoolSize  = 512
	DefaultImageBase     = 0x400000
	DefaultImagePages    = 16
	DefaultCNodeSizeBits = 2

	// MinChildCNodeBits is the smallest child CNode radix that holds the
	// channel slot and the self TCB slot.
	MinChildCNodeBits = 2
)

// Manifest describes a machine and the processes to bootstrap on it.
type Manifest struct {
	Machine Machine `yaml:"machine"`
	Boot    Boot    `yaml:"boot"`
}

// Machine describes the resources the kernel hands to the root task.
type Machine struct {
	RootCNodeBits uint8    `yaml:"root_cnode_bits"`
	ASIDPoolSize  int      `yaml:"asid_pool_size"`
	ImageBase     uint64   `yaml:"image_base"`
	ImagePages    int      `yaml:"image_pages"`
	Untyped       []Region `yaml:"untyped"`
}

// Region describes an untyped memory region.
type Region struct {
	SizeBits uint8  `yaml:"size_bits"`
	Device   bool   `yaml:"device"`
	PhysAddr uint64 `yaml:"paddr"`
}

// Boot describes the processes to create and how to wire them.
type Boot struct {
	// Radix of each child CNode.
	CNodeSizeBits uint8 `yaml:"cnode_size_bits"`

	// Virtual address of each child's IPC buffer. Zero selects the first
	// page after the child's image.
	IPCBufferAddr uint64 `yaml:"ipc_buffer_addr"`

	// Root task page donated as the staging page. Zero selects the last
	// page of the root image.
	ScratchAddr uint64 `yaml:"scratch_addr"`

	Children []Child   `yaml:"children"`
	Channels []Channel `yaml:"channels"`
}

// Child names a process and the executable that backs it. An empty ELF
// path selects a built-in image.
type Child struct {
	Name string `yaml:"name"`
	ELF  string `yaml:"elf"`
}

// Channel declares a one-way notification from Sender to Receiver.
type Channel struct {
	Sender   string `yaml:"sender"`
	Receiver string `yaml:"receiver"`
	Badge    uint64 `yaml:"badge"`
}

var (
	errNoUntyped        = errors.New("manifest declares no untyped memory")
	errNoChildren       = errors.New("manifest declares no children")
	errRootCNodeTooBig  = errors.New("root cnode radix out of range")
	errImageTooSmall    = errors.New("root image must span at least one page")
	errUnalignedAddress = errors.New("address is not page aligned")
)

// DefaultManifest returns the two-party manifest: a client that signals a
// server with badge 0x1337.
func DefaultManifest() *Manifest {
	m := &Manifest{
		Machine: Machine{
			Untyped: []Region{
				{SizeBits: 12, Device: true, PhysAddr: 0x09000000},
				{SizeBits: 16, PhysAddr: 0x40000000},
				{SizeBits: 22, PhysAddr: 0x40400000},
			},
		},
		Boot: Boot{
			Children: []Child{{Name: "client"}, {Name: "server"}},
			Channels: []Channel{{Sender: "client", Receiver: "server", Badge: 0x1337}},
		},
	}
	m.applyDefaults()
	return m
}

// LoadManifest decodes a YAML manifest, fills in defaults and validates it.
func LoadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decode manifest")
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifestFile is a convenience wrapper around LoadManifest.
func LoadManifestFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open manifest")
	}
	defer f.Close()

	m, err := LoadManifest(f)
	return m, errors.Wrapf(err, "load %s", path)
}

func (m *Manifest) applyDefaults() {
	if m.Machine.RootCNodeBits == 0 {
		m.Machine.RootCNodeBits = DefaultRootCNodeBits
	}
	if m.Machine.ASIDPoolSize == 0 {
		m.Machine.ASIDPoolSize = DefaultASIDPoolSize
	}
	if m.Machine.ImageBase == 0 {
		m.Machine.ImageBase = DefaultImageBase
	}
	if m.Machine.ImagePages == 0 {
		m.Machine.ImagePages = DefaultImagePages
	}
	if m.Boot.CNodeSizeBits == 0 {
		m.Boot.CNodeSizeBits = DefaultCNodeSizeBits
	}
}

// Validate checks the manifest for values the kernel model or the
// bootstrap cannot satisfy.
func (m *Manifest) Validate() error {
	if len(m.Machine.Untyped) == 0 {
		return errNoUntyped
	}
	if m.Machine.RootCNodeBits < 5 || m.Machine.RootCNodeBits > 20 {
		return errors.Wrapf(errRootCNodeTooBig, "root_cnode_bits=%d", m.Machine.RootCNodeBits)
	}
	if m.Machine.ImagePages < 1 {
		return errImageTooSmall
	}
	if !mem.IsAligned(uintptr(m.Machine.ImageBase), mem.PageShift) {
		return errors.Wrapf(errUnalignedAddress, "image_base=%#x", m.Machine.ImageBase)
	}
	if !mem.IsAligned(uintptr(m.Boot.IPCBufferAddr), mem.PageShift) {
		return errors.Wrapf(errUnalignedAddress, "ipc_buffer_addr=%#x", m.Boot.IPCBufferAddr)
	}
	if !mem.IsAligned(uintptr(m.Boot.ScratchAddr), mem.PageShift) {
		return errors.Wrapf(errUnalignedAddress, "scratch_addr=%#x", m.Boot.ScratchAddr)
	}

	for i, region := range m.Machine.Untyped {
		if region.SizeBits < cap.MinUntypedBits || region.SizeBits > cap.MaxUntypedBits {
			return errors.Errorf("untyped[%d]: size_bits %d out of range", i, region.SizeBits)
		}
		if !mem.IsAligned(uintptr(region.PhysAddr), region.SizeBits) {
			return errors.Errorf("untyped[%d]: paddr %#x not aligned to its size", i, region.PhysAddr)
		}
	}

	if m.Boot.CNodeSizeBits < MinChildCNodeBits || m.Boot.CNodeSizeBits >= mem.WordBits {
		return errors.Errorf("cnode_size_bits %d out of range", m.Boot.CNodeSizeBits)
	}

	if len(m.Boot.Children) == 0 {
		return errNoChildren
	}

	names := make(map[string]bool, len(m.Boot.Children))
	for i, child := range m.Boot.Children {
		if child.Name == "" {
			return errors.Errorf("children[%d]: missing name", i)
		}
		if names[child.Name] {
			return errors.Errorf("children[%d]: duplicate name %q", i, child.Name)
		}
		names[child.Name] = true
	}

	for i, ch := range m.Boot.Channels {
		if !names[ch.Sender] || !names[ch.Receiver] {
			return errors.Errorf("channels[%d]: unknown endpoint %q -> %q", i, ch.Sender, ch.Receiver)
		}
		if ch.Sender == ch.Receiver {
			return errors.Errorf("channels[%d]: %q cannot signal itself", i, ch.Sender)
		}
		if ch.Badge == 0 {
			return errors.Errorf("channels[%d]: badge must be non-zero", i)
		}
	}

	return nil
}

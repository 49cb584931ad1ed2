package proc

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootserver/kernel"
	"rootserver/kernel/bootinfo"
	"rootserver/kernel/cap"
	"rootserver/kernel/image"
	"rootserver/kernel/kobj"
	"rootserver/kernel/mem/untyped"
	"rootserver/kernel/mem/vspace"
)

type testEnv struct {
	k        *kobj.Kernel
	info     *bootinfo.BootInfo
	launcher *Launcher
}

func newTestEnv(t *testing.T, untypedBits uint8) *testEnv {
	k, info, err := kobj.New(bootinfo.Machine{
		RootCNodeBits: 10,
		ASIDPoolSize:  8,
		ImageBase:     0x400000,
		ImagePages:    4,
		Untyped:       []bootinfo.Region{{SizeBits: untypedBits, PhysAddr: 0x40000000}},
	})
	require.Nil(t, err)

	return &testEnv{k: k, info: info, launcher: newLauncher(t, k, info)}
}

func newLauncher(t *testing.T, k *kobj.Kernel, info *bootinfo.BootInfo) *Launcher {
	scratch, err := vspace.AcquireScratch(k.Root(), info, 0)
	require.Nil(t, err)

	alloc := untyped.New(k.Root(), info)
	launcher := NewLauncher(alloc, k.Root(), vspace.NewBuilder(alloc, k.Root(), scratch), 2)
	launcher.Inspector = k
	return launcher
}

// testImage returns an image with a single executable page at 0x10000 and
// a data page after it.
func testImage(name string, entry uintptr) *image.Image {
	return &image.Image{
		Name:  name,
		Entry: entry,
		Segments: []image.Segment{
			{Vaddr: 0x10000, MemSize: 8, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, Perm: image.PermRead | image.PermExec},
			{Vaddr: 0x11000, MemSize: 0x100, Perm: image.PermRead | image.PermWrite},
		},
	}
}

func launchPair(t *testing.T, env *testEnv) (client, server *Process) {
	procs, err := env.launcher.Launch(
		[]*image.Image{testImage("client", 0x10000), testImage("server", 0x10004)},
		[]*Channel{{Name: "req", Sender: "client", Receiver: "server", Badge: 0x1337}},
	)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	return procs[0], procs[1]
}

func TestLaunchWiresChannel(t *testing.T) {
	env := newTestEnv(t, 20)
	client, server := launchPair(t, env)

	assert.Equal(t, Running, client.State())
	assert.Equal(t, Running, server.State())
	assert.NotEqual(t, client.ID, server.ID)

	require.Len(t, client.Grants, 1)
	assert.Equal(t, Grant{Channel: "req", Slot: SlotChannel, Rights: cap.WriteOnly, Badge: 0x1337}, client.Grants[0])
	require.Len(t, server.Grants, 1)
	assert.Equal(t, Grant{Channel: "req", Slot: SlotChannel, Rights: cap.ReadOnly}, server.Grants[0])

	c, err := env.k.Slot(client.CNode, SlotChannel)
	require.Nil(t, err)
	assert.Equal(t, cap.TypeNotification, c.Type)
	assert.Equal(t, cap.WriteOnly, c.Rights)
	assert.Equal(t, cap.Badge(0x1337), c.Badge)

	c, err = env.k.Slot(server.CNode, SlotChannel)
	require.Nil(t, err)
	assert.Equal(t, cap.ReadOnly, c.Rights)
	assert.Zero(t, c.Badge)

	clientThread, err := env.k.Thread(client.TCB)
	require.Nil(t, err)
	serverThread, err := env.k.Thread(server.TCB)
	require.Nil(t, err)

	t.Run("signal reaches the receiver with the sender badge", func(t *testing.T) {
		require.Nil(t, clientThread.Signal(client.Grants[0].CPtr()))

		badge, err := serverThread.Wait(server.Grants[0].CPtr())
		require.Nil(t, err)
		assert.Equal(t, cap.Badge(0x1337), badge)
	})

	t.Run("sender cannot wait and receiver cannot signal", func(t *testing.T) {
		_, err := clientThread.Wait(SlotChannel)
		assert.Equal(t, cap.ErrRightsViolation, err)

		assert.Equal(t, cap.ErrRightsViolation, serverThread.Signal(SlotChannel))
	})
}

func TestLaunchConfiguresThreads(t *testing.T) {
	env := newTestEnv(t, 20)
	client, server := launchPair(t, env)

	for _, p := range []*Process{client, server} {
		info, err := env.k.TCB(p.TCB)
		require.Nil(t, err, p.Name)

		require.NotEmpty(t, info.Fetches, p.Name)
		assert.Equal(t, p.Entry, info.Fetches[0], "%s: first fetch at the entry point", p.Name)
		assert.Equal(t, kobj.ThreadRunning, info.State, p.Name)
		assert.Equal(t, [8]uint64{}, info.Registers.Regs, p.Name)
		assert.Zero(t, info.Registers.SP, p.Name)

		assert.Equal(t, cap.Null, info.FaultEP, p.Name)
		assert.Equal(t, uint8(62), info.CSpace.GuardSize, p.Name)
		assert.Zero(t, info.CSpace.Guard, p.Name)
		assert.Equal(t, p.IPCBuffer.Addr, info.IPCBufferAddr, p.Name)
		assert.Equal(t, uintptr(0x12000), p.IPCBuffer.Addr, p.Name)

		self, err := env.k.Slot(p.CNode, SlotSelfTCB)
		require.Nil(t, err, p.Name)
		assert.Equal(t, cap.TypeTCB, self.Type, p.Name)
		assert.Equal(t, cap.AllRights, self.Rights, p.Name)
	}
}

func TestProcessLifecycle(t *testing.T) {
	env := newTestEnv(t, 20)
	client, server := launchPair(t, env)

	require.Nil(t, client.Suspend())
	assert.Equal(t, Suspended, client.State())
	info, _ := env.k.TCB(client.TCB)
	assert.Equal(t, kobj.ThreadSuspended, info.State)

	assert.Equal(t, ErrInvalidTransition, client.Suspend())

	require.Nil(t, client.Resume())
	assert.Equal(t, Running, client.State())
	assert.Equal(t, ErrInvalidTransition, client.Resume())

	// A child exits through the TCB capability in its own CNode.
	serverThread, err := env.k.Thread(server.TCB)
	require.Nil(t, err)
	require.Nil(t, serverThread.Exit(SlotSelfTCB))
	assert.Equal(t, Exited, server.State())
	assert.Equal(t, ErrInvalidTransition, server.Suspend())
}

func TestLaunchFaultingEntry(t *testing.T) {
	env := newTestEnv(t, 20)

	// The entry point lies in the non-executable data segment.
	procs, err := env.launcher.Launch([]*image.Image{testImage("broken", 0x11000)}, nil)
	require.NoError(t, err)
	assert.Equal(t, Faulted, procs[0].State())
}

func TestLaunchMultipleChannels(t *testing.T) {
	env := newTestEnv(t, 20)

	images := []*image.Image{testImage("a", 0x10000), testImage("b", 0x10000), testImage("srv", 0x10000)}
	channels := []*Channel{
		{Name: "a-srv", Sender: "a", Receiver: "srv", Badge: 1},
		{Name: "b-srv", Sender: "b", Receiver: "srv", Badge: 2},
	}

	procs, err := env.launcher.Launch(images, channels)
	require.NoError(t, err)

	srv := procs[2]
	require.Len(t, srv.Grants, 2)
	assert.Equal(t, uint64(SlotChannel), srv.Grants[0].Slot)
	assert.Equal(t, uint64(SlotSelfTCB+1), srv.Grants[1].Slot)
	assert.NotEqual(t, channels[0].Notification, channels[1].Notification)

	// Both senders signal; the receiver sees both badges on their own
	// channels.
	for i, sender := range procs[:2] {
		th, err := env.k.Thread(sender.TCB)
		require.Nil(t, err)
		require.Nil(t, th.Signal(SlotChannel))

		srvThread, err := env.k.Thread(srv.TCB)
		require.Nil(t, err)
		badge, err := srvThread.Wait(srv.Grants[i].CPtr())
		require.Nil(t, err)
		assert.Equal(t, channels[i].Badge, badge)
	}
}

// failingRegisters fails the n-th register write.
type failingRegisters struct {
	*kobj.Thread
	n, calls int
}

func (f *failingRegisters) TCBWriteRegisters(tcb cap.CPtr, resume bool, ctx kobj.UserContext) *kernel.Error {
	f.calls++
	if f.calls == f.n {
		return kobj.ErrIllegalOperation
	}
	return f.Thread.TCBWriteRegisters(tcb, resume, ctx)
}

func TestLaunchResumesNoChildBeforeAllAreReady(t *testing.T) {
	env := newTestEnv(t, 20)
	scratch, kerr := vspace.AcquireScratch(env.k.Root(), env.info, 0)
	require.Nil(t, kerr)

	alloc := untyped.New(env.k.Root(), env.info)
	k := &failingRegisters{Thread: env.k.Root(), n: 2}
	launcher := NewLauncher(alloc, k, vspace.NewBuilder(alloc, env.k.Root(), scratch), 2)
	launcher.Inspector = env.k

	procs, err := launcher.Launch(
		[]*image.Image{testImage("client", 0x10000), testImage("server", 0x10000)},
		[]*Channel{{Name: "req", Sender: "client", Receiver: "server", Badge: 0x1337}},
	)
	assert.Equal(t, kobj.ErrIllegalOperation, errors.Cause(err))
	require.Len(t, procs, 2)

	for _, p := range procs {
		assert.Equal(t, Aborted, p.State(), p.Name)

		info, kerr := env.k.TCB(p.TCB)
		require.Nil(t, kerr, p.Name)
		assert.Equal(t, kobj.ThreadInactive, info.State, p.Name)
		assert.Empty(t, info.Fetches, p.Name)
	}
}

func TestLaunchFailures(t *testing.T) {
	assertAborted := func(t *testing.T, procs []*Process) {
		for _, p := range procs {
			assert.Equal(t, Aborted, p.State(), p.Name)
		}
	}

	t.Run("unknown channel endpoint", func(t *testing.T) {
		env := newTestEnv(t, 20)
		procs, err := env.launcher.Launch(
			[]*image.Image{testImage("client", 0x10000)},
			[]*Channel{{Name: "req", Sender: "client", Receiver: "nobody"}},
		)
		assert.Equal(t, ErrUnknownChild, errors.Cause(err))
		assertAborted(t, procs)
	})

	t.Run("out of memory", func(t *testing.T) {
		// Enough for one address space but not for the second.
		env := newTestEnv(t, 15)
		procs, err := env.launcher.Launch(
			[]*image.Image{testImage("client", 0x10000), testImage("server", 0x10000)},
			nil,
		)
		assert.Equal(t, untyped.ErrOutOfMemory, errors.Cause(err))
		assert.Contains(t, err.Error(), `child "server"`)
		assertAborted(t, procs)
	})

	t.Run("child cnode too small", func(t *testing.T) {
		env := newTestEnv(t, 20)
		procs, err := env.launcher.Launch(
			[]*image.Image{testImage("a", 0x10000), testImage("srv", 0x10000)},
			[]*Channel{
				{Name: "one", Sender: "a", Receiver: "srv", Badge: 1},
				{Name: "two", Sender: "a", Receiver: "srv", Badge: 2},
				{Name: "three", Sender: "a", Receiver: "srv", Badge: 3},
			},
		)
		assert.Equal(t, ErrCNodeFull, errors.Cause(err))
		assertAborted(t, procs)
	})

	t.Run("cnode radix below the self TCB slot", func(t *testing.T) {
		env := newTestEnv(t, 20)
		env.launcher.CNodeSizeBits = 1

		procs, err := env.launcher.Launch(
			[]*image.Image{testImage("client", 0x10000), testImage("server", 0x10000)},
			[]*Channel{{Name: "req", Sender: "client", Receiver: "server", Badge: 0x1337}},
		)
		assert.Equal(t, ErrCNodeFull, errors.Cause(err))
		assertAborted(t, procs)

		_, kerr := env.k.Capability(env.info.Empty.Start)
		assert.Equal(t, cap.ErrInvalidCapability, kerr, "nothing may be allocated")
	})

	t.Run("unbadged channel", func(t *testing.T) {
		env := newTestEnv(t, 20)
		procs, err := env.launcher.Launch(
			[]*image.Image{testImage("client", 0x10000), testImage("server", 0x10000)},
			[]*Channel{{Name: "req", Sender: "client", Receiver: "server"}},
		)
		assert.Equal(t, ErrUnbadgedChannel, errors.Cause(err))
		assertAborted(t, procs)

		_, kerr := env.k.Capability(env.info.Empty.Start)
		assert.Equal(t, cap.ErrInvalidCapability, kerr, "nothing may be allocated")
	})

	t.Run("second bootstrap on the same kernel", func(t *testing.T) {
		env := newTestEnv(t, 20)
		launchPair(t, env)

		procs, err := newLauncher(t, env.k, env.info).Launch([]*image.Image{testImage("client", 0x10000)}, nil)
		assert.Equal(t, kobj.ErrDeleteFirst, errors.Cause(err))
		assertAborted(t, procs)
	})
}

package main

import (
	"bytes"
	"os"

	"chromaos/kernel/hal/bootinfo"
	"chromaos/kernel/kmain"
	"chromaos/kernel/mm"
	"chromaos/kernel/mm/physmem"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Machine describes a simulated machine.
type Machine struct {
	// ArenaSize is the amount of host memory backing physical addresses
	// [0, ArenaSize).
	ArenaSize uintptr `yaml:"arena_size"`

	Config kmain.Config `yaml:"config"`

	MemoryMap []Region `yaml:"memory_map"`

	// KernelImage should also be covered by a reserved region, otherwise
	// the allocators hand out the frames holding the image.
	KernelImage Span `yaml:"kernel_image"`
	Framebuffer Span `yaml:"framebuffer"`
}

// Region is one firmware memory map entry.
type Region struct {
	Base   uint64                   `yaml:"base"`
	Length uint64                   `yaml:"length"`
	Type   bootinfo.MemoryEntryType `yaml:"type"`
}

// Span is a physical address range.
type Span struct {
	Base uintptr `yaml:"base"`
	Size uintptr `yaml:"size"`
}

func defaultMachine() *Machine {
	return &Machine{
		ArenaSize: 64 << 20,
		Config:    kmain.DefaultConfig(),
		MemoryMap: []Region{
			{Base: 0, Length: 0x9fc00, Type: bootinfo.MemFree},
			{Base: 0x9fc00, Length: 0x60400, Type: bootinfo.MemReserved},
			{Base: 0x100000, Length: 0x400000, Type: bootinfo.MemReserved},
			{Base: 0x500000, Length: 0x3a00000, Type: bootinfo.MemFree},
			{Base: 0x3f00000, Length: 0x100000, Type: bootinfo.MemACPI},
			{Base: 0xfec00000, Length: 0x1000, Type: bootinfo.MemMMIO},
			{Base: 0xfee00000, Length: 0x1000, Type: bootinfo.MemMMIO},
		},
		KernelImage: Span{Base: 0x100000, Size: 0x3c2000},
		Framebuffer: Span{Base: 0xfd000000, Size: 1024 * 768 * 4},
	}
}

// LoadMachine reads a machine description from path. Settings missing from
// the file keep the defaults of kmain.DefaultConfig.
func LoadMachine(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading machine description")
	}
	return ParseMachine(data)
}

// ParseMachine decodes a YAML machine description.
func ParseMachine(data []byte) (*Machine, error) {
	m := &Machine{Config: kmain.DefaultConfig()}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(m); err != nil {
		return nil, errors.Wrap(err, "decoding machine description")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that every region the allocators may touch is backed by
// the arena.
func (m *Machine) Validate() error {
	if m.ArenaSize == 0 || m.ArenaSize&(mm.PageSize-1) != 0 {
		return errors.Newf("arena size 0x%x is not a non-zero multiple of the page size", m.ArenaSize)
	}
	if len(m.MemoryMap) == 0 {
		return errors.New("memory map is empty")
	}

	for index, r := range m.MemoryMap {
		if r.Type != bootinfo.MemFree && r.Type != bootinfo.MemACPI {
			continue
		}
		if r.Base+r.Length > uint64(m.ArenaSize) {
			return errors.Newf("%s region %d [0x%x, 0x%x) is outside the 0x%x byte arena",
				r.Type, index, r.Base, r.Base+r.Length, m.ArenaSize)
		}
	}
	return nil
}

// BootInfo encodes the machine the way a bootloader would hand it over.
func (m *Machine) BootInfo() *bootinfo.Info {
	entries := make([]bootinfo.MemoryMapEntry, 0, len(m.MemoryMap))
	for _, r := range m.MemoryMap {
		entries = append(entries, bootinfo.MemoryMapEntry{PhysAddress: r.Base, Length: r.Length, Type: r.Type})
	}

	return &bootinfo.Info{
		MemoryMap:   bootinfo.EncodeMemoryMap(entries),
		KernelImage: bootinfo.Range{Base: m.KernelImage.Base, Size: m.KernelImage.Size},
		Framebuffer: bootinfo.Range{Base: m.Framebuffer.Base, Size: m.Framebuffer.Size},
	}
}

// Boot reserves the arena and boots the memory subsystem on it. The caller
// releases the arena once done with the system.
func (m *Machine) Boot() (*kmain.System, *physmem.Arena, error) {
	arena, err := physmem.New(m.ArenaSize)
	if err != nil {
		return nil, nil, err
	}

	sys, err := kmain.Boot(m.Config, arena, m.BootInfo())
	if err != nil {
		_ = arena.Release()
		return nil, nil, err
	}
	return sys, arena, nil
}

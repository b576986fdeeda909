package rv64

import "log/slog"

// Virtio-mmio register offsets, legacy layout; the version register reads 2 (spec.md §4.6,
// grounded on original_source/src/virtio.rs's qemu-derived constants).
const (
	virtioMagicValue     = 0x000
	virtioVersion        = 0x004
	virtioDeviceID       = 0x008
	virtioVendorID       = 0x00c
	virtioDeviceFeatures = 0x010
	virtioDriverFeatures = 0x020
	virtioGuestPageSize  = 0x028
	virtioQueueSel       = 0x030
	virtioQueueNumMax    = 0x034
	virtioQueueNum       = 0x038
	virtioQueuePFN       = 0x040
	virtioQueueNotify    = 0x050
	virtioStatus         = 0x070
	virtioQueueDescLow   = 0x080
	virtioQueueDescHigh  = 0x084
	virtioDriverDescLow  = 0x090
	virtioDriverDescHigh = 0x094
	virtioDeviceDescLow  = 0x0a0
	virtioDeviceDescHigh = 0x0a4
)

const (
	vringDescSize = 16
	vringDescNum  = 8

	// queueNotifyIdle is the sentinel QUEUE_NOTIFY reads back as once a
	// request has been drained; any other value means a queue index is
	// waiting to be serviced.
	queueNotifyIdle = 9999

	// virtqDescFWrite marks a descriptor the device writes into (a
	// disk-read buffer), per the virtio spec's VRING_DESC_F_WRITE bit.
	virtqDescFWrite = 1 << 1
)

// Virtio is a legacy split-virtqueue virtio-mmio block device (spec.md
// §4.6). DMA is performed exclusively through the bus's physical-memory
// path (PhysSlice); it must never call back into translated Read/Write,
// which could re-enter MMIO routing.
type Virtio struct {
	mem physMemSlicer

	driverFeatures uint64
	pageSize       uint64
	queueSel       uint64
	queueNum       uint64
	queuePFN       uint64
	descAddr       uint64
	availAddr      uint64
	usedAddr       uint64
	queueNotify    uint64
	status         uint64

	disk []byte

	// notify is called after a completed request, so the caller can raise
	// SourceVirtioDiskIO through the PLIC.
	notify func()
	log    *slog.Logger
}

// physMemSlicer is the physical-memory path virtio DMA uses.
type physMemSlicer interface {
	PhysSlice(paddr, length uint64) ([]byte, error)
}

// NewVirtio creates a virtio-mmio block device backed by disk. notify is
// invoked once a pending request completes. A nil logger discards output.
func NewVirtio(mem physMemSlicer, disk []byte, notify func(), log *slog.Logger) *Virtio {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Virtio{
		mem:         mem,
		disk:        disk,
		queueNotify: queueNotifyIdle,
		notify:      notify,
		log:         log,
	}
}

func (v *Virtio) Size() uint64 { return VirtioSize }

func (v *Virtio) Read(offset uint64, size int) (uint64, error) {
	switch offset {
	case virtioMagicValue:
		return 0x74726976, nil
	case virtioVersion:
		return 2, nil // legacy register layout, but version reads as 2
	case virtioDeviceID:
		return 2, nil // block device
	case virtioVendorID:
		return 0x554d4551, nil
	case virtioDeviceFeatures:
		return 0, nil
	case virtioDriverFeatures:
		return v.driverFeatures, nil
	case virtioQueueNumMax:
		return vringDescNum, nil
	case virtioQueuePFN:
		return v.queuePFN, nil
	case virtioStatus:
		return v.status, nil
	case virtioQueueSel:
		return v.queueSel, nil
	case virtioQueueNum:
		return v.queueNum, nil
	case virtioGuestPageSize:
		return v.pageSize, nil
	case virtioQueueNotify:
		return v.queueNotify, nil
	case virtioQueueDescLow:
		return v.descAddr & 0xffffffff, nil
	case virtioQueueDescHigh:
		return v.descAddr >> 32, nil
	case virtioDriverDescLow:
		return v.availAddr & 0xffffffff, nil
	case virtioDriverDescHigh:
		return v.availAddr >> 32, nil
	case virtioDeviceDescLow:
		return v.usedAddr & 0xffffffff, nil
	case virtioDeviceDescHigh:
		return v.usedAddr >> 32, nil
	default:
		return 0, nil
	}
}

func (v *Virtio) Write(offset uint64, size int, value uint64) error {
	switch offset {
	case virtioDriverFeatures:
		v.driverFeatures = value
	case virtioGuestPageSize:
		v.pageSize = value
	case virtioQueueSel:
		v.queueSel = value
	case virtioQueueNum:
		v.queueNum = value
	case virtioQueuePFN:
		v.queuePFN = value
	case virtioQueueNotify:
		v.queueNotify = value
		if value != queueNotifyIdle {
			v.diskAccess()
		}
	case virtioStatus:
		v.status = value
	case virtioQueueDescLow:
		v.descAddr = (v.descAddr &^ 0xffffffff) | (value & 0xffffffff)
	case virtioQueueDescHigh:
		v.descAddr = (v.descAddr &^ (0xffffffff << 32)) | ((value & 0xffffffff) << 32)
	case virtioDriverDescLow:
		v.availAddr = (v.availAddr &^ 0xffffffff) | (value & 0xffffffff)
	case virtioDriverDescHigh:
		v.availAddr = (v.availAddr &^ (0xffffffff << 32)) | ((value & 0xffffffff) << 32)
	case virtioDeviceDescLow:
		v.usedAddr = (v.usedAddr &^ 0xffffffff) | (value & 0xffffffff)
	case virtioDeviceDescHigh:
		v.usedAddr = (v.usedAddr &^ (0xffffffff << 32)) | ((value & 0xffffffff) << 32)
	}
	return nil
}

// diskAccess walks the legacy split virtqueue and performs the one pending
// request: the three-descriptor chain (request header, data buffer, status
// byte) xv6's virtio_disk_rw submits, then updates the used ring and calls
// notify (spec.md §4.6). A request it gives up on does not call notify.
// Grounded directly on original_source/src/virtio.rs's disk_access.
func (v *Virtio) diskAccess() {
	if v.queueNotify == queueNotifyIdle {
		return
	}
	v.queueNotify = queueNotifyIdle

	availIdx, ok := v.readU16(v.availAddr + 2)
	if !ok || availIdx == 0 {
		return
	}

	ringPos := uint64(availIdx-1) % vringDescNum
	head, ok := v.readU16(v.availAddr + 4 + ringPos*2)
	if !ok {
		return
	}

	desc0 := v.descAddr + vringDescSize*uint64(head)
	addr0, ok1 := v.readU64(desc0)
	next0, ok2 := v.readU16(desc0 + 14)
	if !ok1 || !ok2 {
		return
	}

	desc1 := v.descAddr + vringDescSize*uint64(next0)
	addr1, ok1 := v.readU64(desc1)
	len1, ok2 := v.readU32(desc1 + 8)
	flags1, ok3 := v.readU16(desc1 + 12)
	next1, ok4 := v.readU16(desc1 + 14)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return
	}

	desc2 := v.descAddr + vringDescSize*uint64(next1)
	addr2, ok := v.readU64(desc2)
	if !ok {
		return
	}

	sector, ok := v.readU64(addr0 + 8)
	if !ok {
		return
	}

	deviceWrites := flags1&virtqDescFWrite != 0

	if !deviceWrites {
		// Guest -> disk: device reads the guest's buffer.
		buf, err := v.mem.PhysSlice(addr1, uint64(len1))
		if err != nil {
			return
		}
		base := sector * 512
		if base+uint64(len1) <= uint64(len(v.disk)) {
			copy(v.disk[base:base+uint64(len1)], buf)
		}
	} else {
		// Disk -> guest: device writes the guest's buffer.
		base := sector * 512
		if base+uint64(len1) > uint64(len(v.disk)) {
			return
		}
		dst, err := v.mem.PhysSlice(addr1, uint64(len1))
		if err != nil {
			return
		}
		copy(dst, v.disk[base:base+uint64(len1)])
	}

	v.writeByte(addr2, 0) // status = success

	usedIdx, _ := v.readU16(v.usedAddr + 2)
	usedPos := uint64(usedIdx) % vringDescNum
	usedElem := v.usedAddr + 4 + usedPos*8

	v.writeU32(usedElem, uint64(head))
	v.writeU32(usedElem+4, uint64(len1))
	v.writeU16(v.usedAddr+2, uint64(usedIdx+1))

	v.log.Debug("virtio request completed", "sector", sector, "len", len1, "write", deviceWrites)
	if v.notify != nil {
		v.notify()
	}
}

// The vring's descriptor/avail/used fields are not generally 8-byte
// aligned (a descriptor is 16 bytes but its sub-fields land at offsets 8,
// 12, 14), so field access goes through PhysSlice's arbitrary byte range
// rather than the 8-byte-granularity ReadPhys64/WritePhys64 the page
// walker uses.
func (v *Virtio) readU16(addr uint64) (uint16, bool) {
	b, err := v.mem.PhysSlice(addr, 2)
	if err != nil {
		return 0, false
	}
	return cpuEndian.Uint16(b), true
}

func (v *Virtio) readU32(addr uint64) (uint32, bool) {
	b, err := v.mem.PhysSlice(addr, 4)
	if err != nil {
		return 0, false
	}
	return cpuEndian.Uint32(b), true
}

func (v *Virtio) readU64(addr uint64) (uint64, bool) {
	b, err := v.mem.PhysSlice(addr, 8)
	if err != nil {
		return 0, false
	}
	return cpuEndian.Uint64(b), true
}

func (v *Virtio) writeByte(addr uint64, val uint64) {
	if b, err := v.mem.PhysSlice(addr, 1); err == nil {
		b[0] = byte(val)
	}
}

func (v *Virtio) writeU16(addr uint64, val uint64) {
	if b, err := v.mem.PhysSlice(addr, 2); err == nil {
		cpuEndian.PutUint16(b, uint16(val))
	}
}

func (v *Virtio) writeU32(addr uint64, val uint64) {
	if b, err := v.mem.PhysSlice(addr, 4); err == nil {
		cpuEndian.PutUint32(b, uint32(val))
	}
}

var _ Device = (*Virtio)(nil)

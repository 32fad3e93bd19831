package dynamixel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edaniels/golog"
)

// Limits of the SYNC_READ adapter extension and of sync writes.
const (
	syncReadMaxWidth = 6
	syncReadMaxCount = 30

	syncWriteMaxWidth = 6
)

// ChannelConfig holds configuration for creating a communication channel.
type ChannelConfig struct {
	Transport Transport // required

	// Timeout for a single status packet (default 50ms).
	Timeout time.Duration

	// BroadcastTimeout is the listening window after a broadcast ping
	// (default 300ms).
	BroadcastTimeout time.Duration

	// AlarmBlacklist selects alarm flags that are silently ignored when a
	// motor reports them in a status packet.
	AlarmBlacklist StatusError

	Logger golog.Logger
}

// Channel owns a bus transport and the memories of the motors found on it.
// All exchanges go through one mutex: the bus is half-duplex and a single
// in-flight packet is the invariant everything else relies on.
type Channel struct {
	transport        Transport
	timeout          time.Duration
	broadcastTimeout time.Duration
	blacklist        StatusError
	log              golog.Logger

	mu       sync.Mutex
	memories map[int]*Memory
	closed   bool
}

// NewChannel creates a communication channel over the given transport.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("channel: transport is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	if cfg.BroadcastTimeout == 0 {
		cfg.BroadcastTimeout = 300 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = golog.NewLogger("dynamixel")
	}

	return &Channel{
		transport:        cfg.Transport,
		timeout:          cfg.Timeout,
		broadcastTimeout: cfg.BroadcastTimeout,
		blacklist:        cfg.AlarmBlacklist,
		log:              cfg.Logger,
		memories:         make(map[int]*Memory),
	}, nil
}

// Close closes the underlying transport. Further operations return
// ErrBusClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.transport.Close()
}

// SupportsSyncRead reports whether bulk reads can use the SYNC_READ
// adapter extension.
func (c *Channel) SupportsSyncRead() bool {
	return c.transport.SupportsSyncRead()
}

// Memory returns the tracked memory for a motor id.
func (c *Channel) Memory(id int) (*Memory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.memories[id]
	return m, ok
}

// MotorIDs returns the ids of all tracked motors, sorted.
func (c *Channel) MotorIDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.memories))
	for id := range c.memories {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Ping checks if a motor with the given id answers on the bus. A motor
// answering with an alarm status still counts as present.
func (c *Channel) Ping(ctx context.Context, id int) (bool, error) {
	if id < 0 || id > int(MaxMotorID) {
		return false, fmt.Errorf("%w: %d (valid range 0-253)", ErrInvalidID, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrBusClosed
	}
	return c.pingLocked(ctx, id)
}

func (c *Channel) pingLocked(ctx context.Context, id int) (bool, error) {
	_, err := c.sendInstructionLocked(ctx, pingPacket(byte(id)), true)
	if err != nil {
		if IsTimeout(err) {
			return false, nil
		}
		if motorErr, ok := GetMotorError(err); ok {
			c.log.Warnf("motor %d answered ping with alarms %v", id, motorErr.Alarms.Names())
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// PingBroadcast pings every motor at once and collects the answers from
// the listening window that follows. The result is unreliable on some
// adapters: frames from different motors can collide or arrive truncated,
// in which case an error is returned and the caller should fall back to a
// per-id sweep.
func (c *Channel) PingBroadcast(ctx context.Context) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrBusClosed
	}

	c.transport.Flush()
	if _, err := c.sendInstructionLocked(ctx, pingPacket(BroadcastID), false); err != nil {
		return nil, err
	}

	// Every answering motor sends one 6-byte status frame.
	data := c.readWindowLocked(ctx, 6*(int(MaxMotorID)+1), c.broadcastTimeout)
	if len(data)%6 != 0 {
		c.transport.Flush()
		return nil, &CommError{Op: "ping broadcast", Err: &PacketError{Reason: "partial status frames", Raw: data}}
	}

	ids := make([]int, 0, len(data)/6)
	for i := 0; i+6 <= len(data); i += 6 {
		pkt, err := DecodeStatus(data[i : i+6])
		if err != nil {
			c.transport.Flush()
			return nil, &CommError{Op: "ping broadcast", Err: err}
		}
		ids = append(ids, int(pkt.ID))
	}
	sort.Ints(ids)
	return ids, nil
}

// RobustPingBroadcast runs two consecutive broadcast pings and returns the
// second result. The first broadcast flushes out phantom answers left over
// from previous traffic.
func (c *Channel) RobustPingBroadcast(ctx context.Context) ([]int, error) {
	if _, err := c.PingBroadcast(ctx); err != nil {
		return nil, err
	}
	return c.PingBroadcast(ctx)
}

// Create loads the memories of the given motors: the whole EEPROM area,
// the base RAM area, and the model extension region when the model has
// one. Existing memories are recreated.
func (c *Channel) Create(ctx context.Context, ids []int) ([]*Memory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrBusClosed
	}

	mems := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		mem := NewMemory(id)
		prev, hadPrev := c.memories[id]
		c.memories[id] = mem

		err := c.getLocked(ctx, RegEEPROM, []int{id})
		if err == nil {
			err = c.getLocked(ctx, RegRAM, []int{id})
		}
		if err == nil {
			if extra, ok := mem.ExtraControl(); ok {
				err = c.getLocked(ctx, extra, []int{id})
			}
		}
		if err != nil {
			// A failed load keeps the previous tracking state instead of
			// leaving a half-initialized memory behind.
			if hadPrev {
				c.memories[id] = prev
			} else {
				delete(c.memories, id)
			}
			return nil, err
		}
		mems = append(mems, mem)
	}
	return mems, nil
}

// Get reads a control from the given motors and updates their memories.
// Bulk reads use SYNC_READ when the transport supports it and the request
// fits its limits, and fall back to sequential reads otherwise.
func (c *Channel) Get(ctx context.Context, ctrl *Control, ids []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrBusClosed
	}
	return c.getLocked(ctx, ctrl, ids)
}

func (c *Channel) getLocked(ctx context.Context, ctrl *Control, ids []int) error {
	for _, id := range ids {
		if _, ok := c.memories[id]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownMotor, id)
		}
	}

	if len(ids) > 1 && c.transport.SupportsSyncRead() &&
		ctrl.Width() <= syncReadMaxWidth && len(ids) <= syncReadMaxCount {
		return c.syncReadLocked(ctx, ctrl, ids)
	}
	for _, id := range ids {
		if err := c.readSingleLocked(ctx, ctrl, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) readSingleLocked(ctx context.Context, ctrl *Control, id int) error {
	mem := c.memories[id]
	if mem.StatusReturnLevel() == 0 {
		c.log.Warnf("status return level of motor %d is 0, no reads possible", id)
		return nil
	}

	status, err := c.sendInstructionLocked(ctx, readPacket(byte(id), ctrl.Addr, byte(ctrl.Width())), true)
	if err != nil {
		return err
	}
	values, err := unpackValues(ctrl, status.Params)
	if err != nil {
		return &CommError{Op: "read", Err: err}
	}
	return mem.SetControl(ctrl, values)
}

func (c *Channel) syncReadLocked(ctx context.Context, ctrl *Control, ids []int) error {
	idBytes := make([]byte, len(ids))
	for i, id := range ids {
		idBytes[i] = byte(id)
	}
	width := ctrl.Width()

	status, err := c.sendInstructionLocked(ctx, syncReadPacket(ctrl.Addr, byte(width), idBytes), true)
	if err != nil {
		return err
	}
	if len(status.Params) != width*len(ids) {
		c.transport.Flush()
		return &CommError{Op: "sync read", Err: &PacketError{
			Reason: fmt.Sprintf("expected %d data bytes for %d motors, got %d", width*len(ids), len(ids), len(status.Params)),
			Raw:    status.Params,
		}}
	}

	for i, id := range ids {
		values, err := unpackValues(ctrl, status.Params[i*width:(i+1)*width])
		if err != nil {
			return &CommError{Op: "sync read", Err: err}
		}
		if err := c.memories[id].SetControl(ctrl, values); err != nil {
			return err
		}
	}
	return nil
}

// Set writes a control on the given motors and updates their memories
// after the wire exchange succeeds. Multiple motors are served by one
// SYNC_WRITE when the control fits in a sync row; sync writes are never
// answered, whatever the status return level.
func (c *Channel) Set(ctx context.Context, ctrl *Control, ids []int, values [][]int) error {
	if len(ids) != len(values) {
		return fmt.Errorf("set %s: %d motors but %d value rows", ctrl.Name, len(ids), len(values))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrBusClosed
	}
	return c.setLocked(ctx, ctrl, ids, values)
}

func (c *Channel) setLocked(ctx context.Context, ctrl *Control, ids []int, values [][]int) error {
	for _, id := range ids {
		if _, ok := c.memories[id]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownMotor, id)
		}
	}

	if len(ids) > 1 && ctrl.Width() <= syncWriteMaxWidth {
		return c.syncWriteLocked(ctx, ctrl, ids, values)
	}
	for i, id := range ids {
		if err := c.writeSingleLocked(ctx, ctrl, id, values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) writeSingleLocked(ctx context.Context, ctrl *Control, id int, values []int) error {
	data, err := packValues(ctrl, values)
	if err != nil {
		return err
	}
	mem := c.memories[id]

	// Level 0 and 1 motors do not acknowledge writes.
	expectReply := mem.StatusReturnLevel() == 2
	if _, err := c.sendInstructionLocked(ctx, writePacket(byte(id), ctrl.Addr, data), expectReply); err != nil {
		return err
	}
	return mem.SetControl(ctrl, values)
}

func (c *Channel) syncWriteLocked(ctx context.Context, ctrl *Control, ids []int, values [][]int) error {
	idBytes := make([]byte, len(ids))
	rows := make([][]byte, len(ids))
	for i, id := range ids {
		idBytes[i] = byte(id)
		row, err := packValues(ctrl, values[i])
		if err != nil {
			return err
		}
		rows[i] = row
	}

	pkt := syncWritePacket(ctrl.Addr, byte(ctrl.Width()), idBytes, rows)
	if _, err := c.sendInstructionLocked(ctx, pkt, false); err != nil {
		return err
	}
	for i, id := range ids {
		if err := c.memories[id].SetControl(ctrl, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// ChangeID gives a motor a new bus id. The change is refused when the new
// id is already tracked on this channel or answers a ping.
func (c *Channel) ChangeID(ctx context.Context, id, newID int) error {
	if newID < 0 || newID > int(MaxMotorID) {
		return fmt.Errorf("%w: %d (valid range 0-253)", ErrInvalidID, newID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrBusClosed
	}
	if id == newID {
		return nil
	}

	if _, ok := c.memories[newID]; ok {
		return fmt.Errorf("%w: %d", ErrIDInUse, newID)
	}
	alive, err := c.pingLocked(ctx, newID)
	if err != nil {
		return err
	}
	if alive {
		return fmt.Errorf("%w: %d", ErrIDInUse, newID)
	}

	if err := c.writeSingleLocked(ctx, RegID, id, []int{newID}); err != nil {
		return err
	}
	mem := c.memories[id]
	delete(c.memories, id)
	mem.setID(newID)
	c.memories[newID] = mem
	return nil
}

// Purge discards whatever sits in the transport's input buffer.
func (c *Channel) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport.Flush()
}

// sendInstructionLocked performs one request/response exchange. The reply
// header is read first; its length byte sizes the second read. Any
// corruption purges the input buffer so the next exchange starts clean.
func (c *Channel) sendInstructionLocked(ctx context.Context, pkt InstructionPacket, expectReply bool) (StatusPacket, error) {
	data := pkt.Bytes()
	n, err := c.transport.Write(data)
	if err != nil {
		return StatusPacket{}, &CommError{Op: "write", Err: err}
	}
	if n != len(data) {
		return StatusPacket{}, &CommError{Op: "write", Err: fmt.Errorf("short write: %d of %d bytes", n, len(data))}
	}
	if !expectReply {
		return StatusPacket{}, nil
	}

	header, err := c.readBytesLocked(ctx, headerSize, c.timeout)
	if err != nil {
		if len(header) == 0 {
			return StatusPacket{}, fmt.Errorf("%w: motor %d did not answer", ErrTimeout, pkt.ID)
		}
		c.transport.Flush()
		// Bytes arrived and then stopped: that is corruption, not the
		// benign silence of an absent motor.
		if IsTimeout(err) {
			err = &PacketError{Reason: "truncated header", Raw: header}
		}
		return StatusPacket{}, &CommError{Op: "read header", Err: err}
	}
	if err := CheckHeader(pkt.ID, header); err != nil {
		c.transport.Flush()
		return StatusPacket{}, &CommError{Op: "read header", Err: err}
	}

	payload, err := c.readBytesLocked(ctx, int(header[3]), c.timeout)
	if err != nil {
		c.transport.Flush()
		if IsTimeout(err) {
			err = &PacketError{Reason: "truncated status packet", Raw: append(header, payload...)}
		}
		return StatusPacket{}, &CommError{Op: "read payload", Err: err}
	}

	status, err := DecodeStatus(append(header, payload...))
	if err != nil {
		c.transport.Flush()
		return StatusPacket{}, &CommError{Op: "read payload", Err: err}
	}

	if status.Error != 0 {
		if alarms := status.Error &^ c.blacklist; alarms != 0 {
			return StatusPacket{}, &MotorError{ID: int(status.ID), Alarms: alarms}
		}
	}
	return status, nil
}

// readBytesLocked reads exactly expectedLen bytes or fails with ErrTimeout,
// returning whatever arrived so the caller can tell silence from a
// truncated packet.
func (c *Channel) readBytesLocked(ctx context.Context, expectedLen int, timeout time.Duration) ([]byte, error) {
	buffer := make([]byte, expectedLen)
	totalRead := 0
	deadline := time.Now().Add(timeout)

	for totalRead < expectedLen {
		select {
		case <-ctx.Done():
			return buffer[:totalRead], ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return buffer[:totalRead], fmt.Errorf("%w: read %d of %d expected bytes", ErrTimeout, totalRead, expectedLen)
		}

		remaining := max(time.Until(deadline), time.Millisecond)
		c.transport.SetReadTimeout(remaining)

		n, err := c.transport.Read(buffer[totalRead:])
		if err != nil {
			return buffer[:totalRead], &CommError{Op: "read", Err: err}
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		totalRead += n
	}
	return buffer, nil
}

// readWindowLocked collects whatever bytes arrive during the window, up to
// maxLen. Used after broadcasts, where the number of answers is unknown.
func (c *Channel) readWindowLocked(ctx context.Context, maxLen int, window time.Duration) []byte {
	buffer := make([]byte, maxLen)
	totalRead := 0
	deadline := time.Now().Add(window)

	for totalRead < maxLen && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return buffer[:totalRead]
		default:
		}

		c.transport.SetReadTimeout(max(time.Until(deadline), time.Millisecond))
		n, err := c.transport.Read(buffer[totalRead:])
		if err != nil {
			break
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		totalRead += n
	}
	return buffer[:totalRead]
}

// packValues encodes control values in wire order, little-endian words.
func packValues(ctrl *Control, values []int) ([]byte, error) {
	if len(values) != len(ctrl.Sizes) {
		return nil, fmt.Errorf("control %s expects %d values, got %d", ctrl.Name, len(ctrl.Sizes), len(values))
	}
	data := make([]byte, 0, ctrl.Width())
	for i, size := range ctrl.Sizes {
		v := values[i]
		switch size {
		case 1:
			data = append(data, byte(v))
		case 2:
			data = append(data, byte(v), byte(v>>8))
		default:
			return nil, fmt.Errorf("control %s: unsupported register size %d", ctrl.Name, size)
		}
	}
	return data, nil
}

// unpackValues decodes wire data into one value per register of the control.
func unpackValues(ctrl *Control, data []byte) ([]int, error) {
	if len(data) != ctrl.Width() {
		return nil, fmt.Errorf("control %s expects %d data bytes, got %d", ctrl.Name, ctrl.Width(), len(data))
	}
	values := make([]int, 0, len(ctrl.Sizes))
	offset := 0
	for _, size := range ctrl.Sizes {
		v := int(data[offset])
		if size == 2 {
			v |= int(data[offset+1]) << 8
		}
		values = append(values, v)
		offset += size
	}
	return values, nil
}

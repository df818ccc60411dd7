package usbtmc

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
)

// maxTransfer is the largest payload requested in one DEV_DEP_MSG_IN
const maxTransfer = 64 * 1024

// ID is a USB vendor and product ID pair
type ID struct {
	Vendor  uint16
	Product uint16
}

func (id ID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Product)
}

// ParseID parses the vvvv:pppp hexadecimal form String produces
func ParseID(s string) (ID, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return ID{}, fmt.Errorf("usb id %q is not of the form vvvv:pppp", s)
	}
	v, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return ID{}, fmt.Errorf("usb id %q: vendor: %w", s, err)
	}
	p, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return ID{}, fmt.Errorf("usb id %q: product: %w", s, err)
	}
	return ID{Vendor: uint16(v), Product: uint16(p)}, nil
}

// List enumerates the attached devices from a vendor without opening them
func List(vendor uint16) ([]ID, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	var out []ID
	_, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) == vendor {
			out = append(out, ID{Vendor: uint16(desc.Vendor), Product: uint16(desc.Product)})
		}
		return false
	})
	return out, err
}

// Device is a USBTMC instrument.  It satisfies scpi.Transport;
// commands are terminated with a newline
type Device struct {
	tagger BTagger

	ctx    *gousb.Context
	device *gousb.Device
	iface  *gousb.Interface
	closer func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint

	mu      sync.Mutex
	timeout time.Duration

	// pending holds response bytes received but not consumed
	pending []byte
}

// Open opens the first device with the vendor and product ID and claims its
// bulk endpoints
func Open(id ID, timeout time.Duration) (*Device, error) {
	d := &Device{tagger: newBTagGen(), timeout: timeout}
	d.ctx = gousb.NewContext()
	dev, err := d.ctx.OpenDeviceWithVIDPID(gousb.ID(id.Vendor), gousb.ID(id.Product))
	if err != nil {
		d.ctx.Close()
		return nil, fmt.Errorf("opening %s: %w", id, err)
	}
	if dev == nil {
		d.ctx.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.device = dev
	if err = dev.SetAutoDetach(true); err != nil {
		d.release()
		return nil, err
	}
	d.iface, d.closer, err = dev.DefaultInterface()
	if err != nil {
		d.release()
		return nil, err
	}
	if err = d.bulkEndpoints(); err != nil {
		d.release()
		return nil, err
	}
	return d, nil
}

// bulkEndpoints finds the bulk in and out endpoints of the default interface
func (d *Device) bulkEndpoints() error {
	var err error
	for _, desc := range d.iface.Setting.Endpoints {
		if desc.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if desc.Direction == gousb.EndpointDirectionIn && d.in == nil {
			d.in, err = d.iface.InEndpoint(desc.Number)
		} else if desc.Direction == gousb.EndpointDirectionOut && d.out == nil {
			d.out, err = d.iface.OutEndpoint(desc.Number)
		}
		if err != nil {
			return err
		}
	}
	if d.in == nil || d.out == nil {
		return fmt.Errorf("%s has no bulk in/out endpoint pair", d.iface)
	}
	return nil
}

func (d *Device) release() {
	if d.closer != nil {
		d.closer()
	}
	if d.device != nil {
		d.device.Close()
	}
	d.ctx.Close()
}

func (d *Device) deadline() (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), d.timeout)
}

func (d *Device) send(cmd string) error {
	d.pending = d.pending[:0]
	ctx, cancel := d.deadline()
	defer cancel()
	_, err := d.out.WriteContext(ctx, frameOut(d.tagger.nextbTag(), []byte(cmd+"\n")))
	return err
}

// transfer requests and reads one DEV_DEP_MSG_IN, appending its payload to pending
func (d *Device) transfer() (eom bool, err error) {
	ctx, cancel := d.deadline()
	defer cancel()
	tag := d.tagger.nextbTag()
	req := encBulkInHeader(tag, maxTransfer, nil)
	if _, err = d.out.WriteContext(ctx, req[:]); err != nil {
		return false, err
	}
	buf := make([]byte, headerLen+maxTransfer+alignment)
	n, err := d.in.ReadContext(ctx, buf)
	if err != nil {
		return false, err
	}
	h, err := decBulkInHeader(buf[:n], tag)
	if err != nil {
		return false, err
	}
	if h.size > maxTransfer {
		return false, fmt.Errorf("%w: %d byte transfer, requested at most %d", ErrBadResponse, h.size, maxTransfer)
	}
	want := headerLen + h.size
	for n < want {
		m, err := d.in.ReadContext(ctx, buf[n:])
		n += m
		if err != nil {
			d.pending = append(d.pending, buf[headerLen:min(n, want)]...)
			return false, err
		}
		if m == 0 {
			d.pending = append(d.pending, buf[headerLen:n]...)
			return false, io.ErrUnexpectedEOF
		}
	}
	d.pending = append(d.pending, buf[headerLen:want]...)
	return h.eom, nil
}

// Write sends cmd
func (d *Device) Write(cmd string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.send(cmd)
}

// Query sends cmd and reads the complete response message
func (d *Device) Query(cmd string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.send(cmd); err != nil {
		return "", err
	}
	return d.readMessage()
}

// ReadLine reads the complete response to a query already written
func (d *Device) ReadLine() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readMessage()
}

func (d *Device) readMessage() (string, error) {
	for {
		eom, err := d.transfer()
		if err != nil {
			return "", err
		}
		if eom {
			break
		}
	}
	resp := strings.TrimRight(string(d.pending), "\r\n")
	d.pending = d.pending[:0]
	return resp, nil
}

// ReadExact reads n bytes of the pending response, requesting transfers as
// needed.  On error the bytes that did arrive are returned with it
func (d *Device) ReadExact(n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.pending) < n {
		eom, err := d.transfer()
		if err == nil && eom && len(d.pending) < n {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			out := append([]byte(nil), d.pending...)
			d.pending = d.pending[:0]
			return out, err
		}
	}
	out := make([]byte, n)
	copy(out, d.pending)
	d.pending = append(d.pending[:0], d.pending[n:]...)
	return out, nil
}

// Timeout returns the limit on each transfer
func (d *Device) Timeout() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeout
}

// SetTimeout changes the limit on each transfer
func (d *Device) SetTimeout(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = t
}

// Close releases the interface and the device
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closer()
	err := d.device.Close()
	d.ctx.Close()
	return err
}

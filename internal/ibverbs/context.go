/*
 * Copyright The Kubernetes Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ibverbs

/*
#cgo LDFLAGS: -libverbs
#include <infiniband/verbs.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// DeviceContext is a persistent handle to an opened HCA, outliving every PD,
// MR, CQ and QP created against it. Exactly one port is bound before any PD
// is created (spec.md §3 Device handle invariant).
type DeviceContext struct {
	ctx      *C.struct_ibv_context
	name     string
	numPorts int
}

// OpenDeviceContext opens the idx-th device returned by the provider's
// device list and leaves it open for the lifetime of the returned
// DeviceContext. The caller must eventually call Close.
func OpenDeviceContext(idx int) (*DeviceContext, error) {
	var numDevices C.int
	devList := C.ibv_get_device_list(&numDevices)
	if devList == nil {
		return nil, fmt.Errorf("ibv_get_device_list failed")
	}
	defer C.ibv_free_device_list(devList)

	if idx < 0 || idx >= int(numDevices) {
		return nil, fmt.Errorf("device index %d out of range (have %d devices)", idx, int(numDevices))
	}

	devSlice := unsafe.Slice(devList, int(numDevices))
	dev := devSlice[idx]
	if dev == nil {
		return nil, fmt.Errorf("device index %d is nil", idx)
	}

	ctx := C.ibv_open_device(dev)
	if ctx == nil {
		return nil, fmt.Errorf("ibv_open_device failed for %s", C.GoString(C.ibv_get_device_name(dev)))
	}

	var attr C.struct_ibv_device_attr
	if rc := C.ibv_query_device(ctx, &attr); rc != 0 {
		C.ibv_close_device(ctx)
		return nil, fmt.Errorf("ibv_query_device failed: %d", int(rc))
	}

	return &DeviceContext{
		ctx:      ctx,
		name:     C.GoString(C.ibv_get_device_name(dev)),
		numPorts: int(attr.phys_port_cnt),
	}, nil
}

// Name returns the device's provider-assigned name (e.g. "mlx5_0").
func (d *DeviceContext) Name() string { return d.name }

// NumPorts returns the number of physical ports the device attributes
// reported at open time.
func (d *DeviceContext) NumPorts() int { return d.numPorts }

// QueryPort queries the live attributes of a single 1-based port number.
func (d *DeviceContext) QueryPort(portNum int) (*PortInfo, error) {
	return queryPort(d.ctx, portNum)
}

// Close closes the underlying device context. It must only be called after
// every PD, CQ and QP created against this context has been destroyed.
func (d *DeviceContext) Close() error {
	if d.ctx == nil {
		return nil
	}
	if rc := C.ibv_close_device(d.ctx); rc != 0 {
		return fmt.Errorf("ibv_close_device failed: %d", int(rc))
	}
	d.ctx = nil
	return nil
}

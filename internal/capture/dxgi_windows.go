//go:build windows

package capture

/*
#cgo LDFLAGS: -ld3d11 -ldxgi
#include <stdint.h>
#include <stdlib.h>
#include <windows.h>
#include <d3d11.h>
#include <dxgi1_2.h>

typedef struct {
	ID3D11Device* device;
	ID3D11DeviceContext* context;
	IDXGIOutputDuplication* duplication;
	ID3D11Texture2D* staging;
	int width;
	int height;
	int mapped; // a frame is acquired and its staging copy is mapped
} DuplState;

// Acquire outcome codes shared with the Go side.
enum {
	DUPL_OK = 0,
	DUPL_TIMEOUT = 1,
	DUPL_ACCESS_LOST = 2,
	DUPL_FAILED = 3,
};

static DuplState* dupl_init(int displayIndex) {
	HRESULT hr;
	DuplState* m = (DuplState*)calloc(1, sizeof(DuplState));
	if (!m) return NULL;

	D3D_FEATURE_LEVEL levels[] = {
		D3D_FEATURE_LEVEL_11_0,
		D3D_FEATURE_LEVEL_10_1,
		D3D_FEATURE_LEVEL_9_1
	};
	D3D_FEATURE_LEVEL got;

	hr = D3D11CreateDevice(NULL, D3D_DRIVER_TYPE_HARDWARE, NULL, 0,
	                       levels, 3, D3D11_SDK_VERSION,
	                       &m->device, &got, &m->context);
	if (FAILED(hr)) { free(m); return NULL; }

	IDXGIDevice* dxgiDevice = NULL;
	hr = m->device->lpVtbl->QueryInterface(m->device, &IID_IDXGIDevice, (void**)&dxgiDevice);
	if (FAILED(hr)) { free(m); return NULL; }

	IDXGIAdapter* adapter = NULL;
	hr = dxgiDevice->lpVtbl->GetParent(dxgiDevice, &IID_IDXGIAdapter, (void**)&adapter);
	dxgiDevice->lpVtbl->Release(dxgiDevice);
	if (FAILED(hr)) { free(m); return NULL; }

	IDXGIOutput* output = NULL;
	hr = adapter->lpVtbl->EnumOutputs(adapter, displayIndex, &output);
	adapter->lpVtbl->Release(adapter);
	if (FAILED(hr)) { free(m); return NULL; }

	IDXGIOutput1* output1 = NULL;
	hr = output->lpVtbl->QueryInterface(output, &IID_IDXGIOutput1, (void**)&output1);
	output->lpVtbl->Release(output);
	if (FAILED(hr)) { free(m); return NULL; }

	hr = output1->lpVtbl->DuplicateOutput(output1, (IUnknown*)m->device, &m->duplication);
	output1->lpVtbl->Release(output1);
	if (FAILED(hr)) { free(m); return NULL; }

	DXGI_OUTDUPL_DESC desc;
	m->duplication->lpVtbl->GetDesc(m->duplication, &desc);
	m->width = desc.ModeDesc.Width;
	m->height = desc.ModeDesc.Height;

	return m;
}

static void dupl_unmap(DuplState* m) {
	if (!m->mapped) return;
	m->context->lpVtbl->Unmap(m->context, (ID3D11Resource*)m->staging, 0);
	m->duplication->lpVtbl->ReleaseFrame(m->duplication);
	m->mapped = 0;
}

// Acquires the next desktop frame, copies it to the staging texture and
// maps it. The mapping stays live until dupl_unmap so the caller can read
// the pixels in place.
static int dupl_acquire(DuplState* m, int timeout_ms,
                        uint8_t** out_ptr, int* out_pitch, int64_t* out_qpc) {
	if (!m || !m->duplication) return DUPL_FAILED;
	dupl_unmap(m);

	HRESULT hr;
	IDXGIResource* res = NULL;
	DXGI_OUTDUPL_FRAME_INFO info;

	hr = m->duplication->lpVtbl->AcquireNextFrame(m->duplication, timeout_ms, &info, &res);
	if (hr == DXGI_ERROR_WAIT_TIMEOUT) return DUPL_TIMEOUT;
	if (hr == DXGI_ERROR_ACCESS_LOST) return DUPL_ACCESS_LOST;
	if (FAILED(hr)) return DUPL_FAILED;

	// AccumulatedFrames==0 with no desktop update means only pointer
	// movement happened; still a valid surface when cursor capture is on.
	*out_qpc = (int64_t)info.LastPresentTime.QuadPart;

	ID3D11Texture2D* gpuTex = NULL;
	hr = res->lpVtbl->QueryInterface(res, &IID_ID3D11Texture2D, (void**)&gpuTex);
	res->lpVtbl->Release(res);
	if (FAILED(hr)) {
		m->duplication->lpVtbl->ReleaseFrame(m->duplication);
		return DUPL_FAILED;
	}

	if (m->staging == NULL) {
		D3D11_TEXTURE2D_DESC desc;
		gpuTex->lpVtbl->GetDesc(gpuTex, &desc);
		desc.Usage = D3D11_USAGE_STAGING;
		desc.CPUAccessFlags = D3D11_CPU_ACCESS_READ;
		desc.BindFlags = 0;
		desc.MiscFlags = 0;
		desc.MipLevels = 1;
		desc.ArraySize = 1;
		desc.SampleDesc.Count = 1;
		hr = m->device->lpVtbl->CreateTexture2D(m->device, &desc, NULL, &m->staging);
		if (FAILED(hr)) {
			gpuTex->lpVtbl->Release(gpuTex);
			m->duplication->lpVtbl->ReleaseFrame(m->duplication);
			return DUPL_FAILED;
		}
	}

	m->context->lpVtbl->CopyResource(m->context, (ID3D11Resource*)m->staging, (ID3D11Resource*)gpuTex);
	gpuTex->lpVtbl->Release(gpuTex);

	D3D11_MAPPED_SUBRESOURCE mappedRes;
	hr = m->context->lpVtbl->Map(m->context, (ID3D11Resource*)m->staging, 0, D3D11_MAP_READ, 0, &mappedRes);
	if (FAILED(hr)) {
		m->duplication->lpVtbl->ReleaseFrame(m->duplication);
		return DUPL_FAILED;
	}

	m->mapped = 1;
	*out_ptr = (uint8_t*)mappedRes.pData;
	*out_pitch = (int)mappedRes.RowPitch;
	return DUPL_OK;
}

static void dupl_destroy(DuplState* m) {
	if (!m) return;
	dupl_unmap(m);
	if (m->staging) m->staging->lpVtbl->Release(m->staging);
	if (m->duplication) m->duplication->lpVtbl->Release(m->duplication);
	if (m->context) m->context->lpVtbl->Release(m->context);
	if (m->device) m->device->lpVtbl->Release(m->device);
	free(m);
}
*/
import "C"
import (
	"fmt"
	"time"
	"unsafe"

	"framecast/internal/types"
)

// DuplicationBackend is the windows pull backend over DXGI output
// duplication. AcquireNextFrame carries the wait: a timeout is the OS
// saying nothing changed, access loss covers both device resets and
// display mode changes and is reported as device loss so the driver
// rebuilds the duplication with fresh geometry.
type DuplicationBackend struct {
	m       *C.DuplState
	epoch   time.Duration // QPC of the first delivered frame
	hasEpoc bool
}

func NewDuplication() *DuplicationBackend {
	return &DuplicationBackend{}
}

func (b *DuplicationBackend) Start(target Target, settings Settings) error {
	if target.IsWindow() {
		return fmt.Errorf("%w: window targets", ErrUnsupportedOption)
	}
	if settings.ReportDirtyRegions {
		return fmt.Errorf("%w: dirty regions", ErrUnsupportedOption)
	}
	m := C.dupl_init(C.int(target.Display))
	if m == nil {
		return fmt.Errorf("%w: display %d", ErrTargetNotFound, target.Display)
	}
	b.m = m
	return nil
}

func (b *DuplicationBackend) WaitEvent(timeout time.Duration) (Event, error) {
	if b.m == nil {
		return Event{}, ErrStopped
	}

	var ptr *C.uint8_t
	var pitch C.int
	var qpc C.int64_t

	switch C.dupl_acquire(b.m, C.int(timeout.Milliseconds()), &ptr, &pitch, &qpc) {
	case C.DUPL_TIMEOUT:
		return Event{Kind: EventNoUpdate}, nil
	case C.DUPL_ACCESS_LOST:
		return Event{Kind: EventDeviceLost}, nil
	case C.DUPL_FAILED:
		return Event{}, fmt.Errorf("desktop duplication acquire failed")
	}

	ts := time.Duration(qpc) * 100 // QPC here ticks at 10 MHz
	if !b.hasEpoc {
		b.epoch = ts
		b.hasEpoc = true
	}

	m := b.m
	s := types.NewSurface(func() { C.dupl_unmap(m) })
	s.Ptr = unsafe.Pointer(ptr)
	s.Width = int(m.width)
	s.Height = int(m.height)
	s.Stride = int(pitch)
	s.Format = types.BGRA8
	s.Timestamp = ts - b.epoch
	return Event{Kind: EventSurface, Surface: s}, nil
}

func (b *DuplicationBackend) Size() (int, int) {
	if b.m == nil {
		return 0, 0
	}
	return int(b.m.width), int(b.m.height)
}

func (b *DuplicationBackend) Format() types.PixelFormat { return types.BGRA8 }

func (b *DuplicationBackend) Stop() {
	if b.m != nil {
		C.dupl_destroy(b.m)
		b.m = nil
	}
}

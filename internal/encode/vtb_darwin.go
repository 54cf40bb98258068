//go:build darwin

package encode

/*
#cgo pkg-config: libavcodec libavutil libswscale
#include <libavcodec/avcodec.h>
#include <libavutil/imgutils.h>
#include <libavutil/opt.h>
#include <libswscale/swscale.h>
#include <stdlib.h>
#include <string.h>

// h264/h265 session through VideoToolbox, libx264/libx265 as fallback.

typedef struct {
	AVCodecContext *ctx;
	AVFrame *frame;
	AVPacket *pkt;
	struct SwsContext *sws;
	int width;
	int height;
	int64_t pts;
} VTSession;

static VTSession* vt_session_open(int width, int height, int fps,
                                  int64_t bitrate, int keyint,
                                  const char *codec_name, int rgba_input) {
	VTSession *e = (VTSession*)calloc(1, sizeof(VTSession));
	if (!e) return NULL;

	e->width = width;
	e->height = height;
	e->pts = 0;

	const AVCodec *codec = NULL;
	int is_hevc = (strcmp(codec_name, "h265") == 0);

	if (is_hevc) {
		codec = avcodec_find_encoder_by_name("hevc_videotoolbox");
		if (!codec) codec = avcodec_find_encoder_by_name("libx265");
	} else {
		codec = avcodec_find_encoder_by_name("h264_videotoolbox");
		if (!codec) codec = avcodec_find_encoder_by_name("libx264");
	}
	if (!codec) { free(e); return NULL; }

	e->ctx = avcodec_alloc_context3(codec);
	if (!e->ctx) { free(e); return NULL; }

	e->ctx->width = width;
	e->ctx->height = height;
	e->ctx->time_base = (AVRational){1, fps};
	e->ctx->framerate = (AVRational){fps, 1};
	e->ctx->pix_fmt = AV_PIX_FMT_NV12;
	e->ctx->bit_rate = bitrate;
	e->ctx->gop_size = keyint;
	e->ctx->max_b_frames = 0;

	if (strcmp(codec->name, "h264_videotoolbox") == 0) {
		av_opt_set(e->ctx->priv_data, "realtime", "1", 0);
		av_opt_set(e->ctx->priv_data, "allow_sw", "1", 0);
		av_opt_set(e->ctx->priv_data, "profile", "baseline", 0);
	} else if (strcmp(codec->name, "hevc_videotoolbox") == 0) {
		av_opt_set(e->ctx->priv_data, "realtime", "1", 0);
		av_opt_set(e->ctx->priv_data, "allow_sw", "1", 0);
		av_opt_set(e->ctx->priv_data, "profile", "main", 0);
	} else if (strcmp(codec->name, "libx265") == 0) {
		av_opt_set(e->ctx->priv_data, "preset", "ultrafast", 0);
		av_opt_set(e->ctx->priv_data, "tune", "zerolatency", 0);
		e->ctx->pix_fmt = AV_PIX_FMT_YUV420P;
	} else {
		av_opt_set(e->ctx->priv_data, "preset", "ultrafast", 0);
		av_opt_set(e->ctx->priv_data, "tune", "zerolatency", 0);
		av_opt_set(e->ctx->priv_data, "profile", "baseline", 0);
		e->ctx->pix_fmt = AV_PIX_FMT_YUV420P;
	}

	e->ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;

	if (avcodec_open2(e->ctx, codec, NULL) < 0) {
		avcodec_free_context(&e->ctx);
		free(e);
		return NULL;
	}

	e->frame = av_frame_alloc();
	e->frame->format = e->ctx->pix_fmt;
	e->frame->width = width;
	e->frame->height = height;
	av_frame_get_buffer(e->frame, 0);

	e->pkt = av_packet_alloc();

	e->sws = sws_getContext(
		width, height, rgba_input ? AV_PIX_FMT_RGBA : AV_PIX_FMT_BGRA,
		width, height, e->ctx->pix_fmt,
		SWS_FAST_BILINEAR, NULL, NULL, NULL);

	if (!e->sws) {
		av_packet_free(&e->pkt);
		av_frame_free(&e->frame);
		avcodec_free_context(&e->ctx);
		free(e);
		return NULL;
	}

	return e;
}

static int vt_session_encode(VTSession *e, const uint8_t *pixels, int stride,
                             uint8_t **out_buf, int *out_size, int *is_key) {
	*out_size = 0;

	const uint8_t *src_data[1] = { pixels };
	int src_linesize[1] = { stride };

	av_frame_make_writable(e->frame);
	sws_scale(e->sws, src_data, src_linesize, 0, e->height,
	          e->frame->data, e->frame->linesize);
	e->frame->pts = e->pts++;

	if (avcodec_send_frame(e->ctx, e->frame) < 0) return -1;

	int ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return -1;

	*out_buf = e->pkt->data;
	*out_size = e->pkt->size;
	*is_key = (e->pkt->flags & AV_PKT_FLAG_KEY) ? 1 : 0;
	return 0;
}

static int vt_session_drain(VTSession *e, uint8_t **out_buf, int *out_size, int *is_key) {
	*out_size = 0;

	avcodec_send_frame(e->ctx, NULL);
	int ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return -1;

	*out_buf = e->pkt->data;
	*out_size = e->pkt->size;
	*is_key = (e->pkt->flags & AV_PKT_FLAG_KEY) ? 1 : 0;
	return 0;
}

static void vt_session_set_bitrate(VTSession *e, int64_t bitrate) {
	e->ctx->bit_rate = bitrate;
	e->ctx->rc_max_rate = bitrate;
}

static void vt_session_unref(VTSession *e) { av_packet_unref(e->pkt); }

static const char* vt_session_codec(VTSession *e) { return e->ctx->codec->name; }

static void vt_session_close(VTSession *e) {
	if (!e) return;
	if (e->sws) sws_freeContext(e->sws);
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->frame) av_frame_free(&e->frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	free(e);
}
*/
import "C"
import (
	"fmt"
	"log/slog"
	"unsafe"

	"framecast/internal/types"
)

// VTBSession encodes through VideoToolbox via libavcodec.
type VTBSession struct {
	e        *C.VTSession
	settings VideoSettings
}

func NewVTBSession() *VTBSession {
	return &VTBSession{}
}

func (v *VTBSession) Start(settings VideoSettings) error {
	if err := settings.validate(); err != nil {
		return err
	}
	cCodec := C.CString(settings.Codec)
	defer C.free(unsafe.Pointer(cCodec))

	rgba := C.int(0)
	if settings.Input == types.RGBA8 {
		rgba = 1
	}

	e := C.vt_session_open(C.int(settings.Width), C.int(settings.Height),
		C.int(settings.FrameRate), C.int64_t(settings.Bitrate),
		C.int(settings.gop()), cCodec, rgba)
	if e == nil {
		return fmt.Errorf("videotoolbox session: no usable %s encoder", settings.Codec)
	}
	v.e = e
	v.settings = settings
	slog.Info("video session open", "codec", C.GoString(C.vt_session_codec(e)),
		"size", fmt.Sprintf("%dx%d", settings.Width, settings.Height),
		"bitrate", settings.Bitrate)
	return nil
}

func (v *VTBSession) Encode(s *sample) ([]*types.EncodedPacket, error) {
	if v.e == nil {
		return nil, fmt.Errorf("videotoolbox session: closed")
	}
	if s.width != v.settings.Width || s.height != v.settings.Height {
		return nil, fmt.Errorf("videotoolbox session: got %dx%d, session is %dx%d",
			s.width, s.height, v.settings.Width, v.settings.Height)
	}

	var outBuf *C.uint8_t
	var outSize, isKey C.int

	if C.vt_session_encode(v.e, (*C.uint8_t)(unsafe.Pointer(&s.data[0])),
		C.int(s.stride), &outBuf, &outSize, &isKey) != 0 {
		return nil, fmt.Errorf("videotoolbox session: encode failed")
	}
	if outSize == 0 {
		return nil, nil
	}

	data := C.GoBytes(unsafe.Pointer(outBuf), outSize)
	C.vt_session_unref(v.e)

	kind := types.DeltaFrame
	if isKey != 0 {
		kind = types.KeyFrame
	}
	return []*types.EncodedPacket{{
		Data:   data,
		Kind:   kind,
		Width:  s.width,
		Height: s.height,
	}}, nil
}

func (v *VTBSession) Flush() ([]*types.EncodedPacket, error) {
	if v.e == nil {
		return nil, nil
	}
	var pkts []*types.EncodedPacket
	for {
		var outBuf *C.uint8_t
		var outSize, isKey C.int
		if C.vt_session_drain(v.e, &outBuf, &outSize, &isKey) != 0 {
			return pkts, fmt.Errorf("videotoolbox session: drain failed")
		}
		if outSize == 0 {
			return pkts, nil
		}
		data := C.GoBytes(unsafe.Pointer(outBuf), outSize)
		C.vt_session_unref(v.e)
		kind := types.DeltaFrame
		if isKey != 0 {
			kind = types.KeyFrame
		}
		pkts = append(pkts, &types.EncodedPacket{
			Data:   data,
			Kind:   kind,
			Width:  v.settings.Width,
			Height: v.settings.Height,
		})
	}
}

func (v *VTBSession) SetBitrate(bitsPerSecond int) {
	if v.e != nil {
		C.vt_session_set_bitrate(v.e, C.int64_t(bitsPerSecond))
	}
}

func (v *VTBSession) Close() {
	if v.e != nil {
		C.vt_session_close(v.e)
		v.e = nil
	}
}

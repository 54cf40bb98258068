//go:build linux

package encode

/*
#cgo pkg-config: libavcodec libavutil libswscale
#include <libavcodec/avcodec.h>
#include <libavutil/imgutils.h>
#include <libavutil/opt.h>
#include <libswscale/swscale.h>
#include <stdlib.h>
#include <string.h>

// h264/h265 session: sws_scale RGBA/BGRA -> NV12/YUV420P, hardware encoder
// (NVENC) when present, libx264/libx265 otherwise.

typedef struct {
	AVCodecContext *ctx;
	AVFrame *frame;
	AVPacket *pkt;
	struct SwsContext *sws;
	int width;
	int height;
	int64_t pts;
} FFSession;

static FFSession* ff_session_open(int width, int height, int fps,
                                  int64_t bitrate, int keyint,
                                  const char *codec_name, int rgba_input) {
	FFSession *e = (FFSession*)calloc(1, sizeof(FFSession));
	if (!e) return NULL;

	e->width = width;
	e->height = height;
	e->pts = 0;

	const AVCodec *codec = NULL;
	int is_hevc = (strcmp(codec_name, "h265") == 0);

	if (is_hevc) {
		codec = avcodec_find_encoder_by_name("hevc_nvenc");
		if (!codec) codec = avcodec_find_encoder_by_name("libx265");
	} else {
		codec = avcodec_find_encoder_by_name("h264_nvenc");
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

	if (strcmp(codec->name, "h264_nvenc") == 0) {
		av_opt_set(e->ctx->priv_data, "preset", "p1", 0);
		av_opt_set(e->ctx->priv_data, "tune", "ull", 0);
		av_opt_set(e->ctx->priv_data, "profile", "baseline", 0);
		av_opt_set(e->ctx->priv_data, "rc", "cbr", 0);
		av_opt_set(e->ctx->priv_data, "zerolatency", "1", 0);
	} else if (strcmp(codec->name, "hevc_nvenc") == 0) {
		av_opt_set(e->ctx->priv_data, "preset", "p1", 0);
		av_opt_set(e->ctx->priv_data, "tune", "ull", 0);
		av_opt_set(e->ctx->priv_data, "profile", "main", 0);
		av_opt_set(e->ctx->priv_data, "rc", "cbr", 0);
		av_opt_set(e->ctx->priv_data, "zerolatency", "1", 0);
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

// 0 = ok (out_size 0 means the codec kept the frame), -1 = error.
static int ff_session_encode(FFSession *e, const uint8_t *pixels, int stride,
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

// Drains buffered packets after the input ends. Returns 0 with out_size 0
// when the codec is empty.
static int ff_session_drain(FFSession *e, uint8_t **out_buf, int *out_size, int *is_key) {
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

static void ff_session_set_bitrate(FFSession *e, int64_t bitrate) {
	e->ctx->bit_rate = bitrate;
	e->ctx->rc_max_rate = bitrate;
}

static void ff_session_unref(FFSession *e) { av_packet_unref(e->pkt); }

static const char* ff_session_codec(FFSession *e) { return e->ctx->codec->name; }

static void ff_session_close(FFSession *e) {
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

// FFmpegSession encodes through libavcodec, preferring NVENC and falling
// back to the software encoders.
type FFmpegSession struct {
	e        *C.FFSession
	settings VideoSettings
}

func NewFFmpegSession() *FFmpegSession {
	return &FFmpegSession{}
}

func (f *FFmpegSession) Start(v VideoSettings) error {
	if err := v.validate(); err != nil {
		return err
	}
	cCodec := C.CString(v.Codec)
	defer C.free(unsafe.Pointer(cCodec))

	rgba := C.int(0)
	if v.Input == types.RGBA8 {
		rgba = 1
	}

	e := C.ff_session_open(C.int(v.Width), C.int(v.Height), C.int(v.FrameRate),
		C.int64_t(v.Bitrate), C.int(v.gop()), cCodec, rgba)
	if e == nil {
		return fmt.Errorf("ffmpeg session: no usable %s encoder", v.Codec)
	}
	f.e = e
	f.settings = v
	slog.Info("video session open", "codec", C.GoString(C.ff_session_codec(e)),
		"size", fmt.Sprintf("%dx%d", v.Width, v.Height), "bitrate", v.Bitrate)
	return nil
}

func (f *FFmpegSession) Encode(s *sample) ([]*types.EncodedPacket, error) {
	if f.e == nil {
		return nil, fmt.Errorf("ffmpeg session: closed")
	}
	if s.width != f.settings.Width || s.height != f.settings.Height {
		// codec contexts are fixed-size; the owner restarts the session
		// on resolution change
		return nil, fmt.Errorf("ffmpeg session: got %dx%d, session is %dx%d",
			s.width, s.height, f.settings.Width, f.settings.Height)
	}

	var outBuf *C.uint8_t
	var outSize, isKey C.int

	if C.ff_session_encode(f.e, (*C.uint8_t)(unsafe.Pointer(&s.data[0])),
		C.int(s.stride), &outBuf, &outSize, &isKey) != 0 {
		return nil, fmt.Errorf("ffmpeg session: encode failed")
	}
	if outSize == 0 {
		return nil, nil
	}

	data := C.GoBytes(unsafe.Pointer(outBuf), outSize)
	C.ff_session_unref(f.e)

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

func (f *FFmpegSession) Flush() ([]*types.EncodedPacket, error) {
	if f.e == nil {
		return nil, nil
	}
	var pkts []*types.EncodedPacket
	for {
		var outBuf *C.uint8_t
		var outSize, isKey C.int
		if C.ff_session_drain(f.e, &outBuf, &outSize, &isKey) != 0 {
			return pkts, fmt.Errorf("ffmpeg session: drain failed")
		}
		if outSize == 0 {
			return pkts, nil
		}
		data := C.GoBytes(unsafe.Pointer(outBuf), outSize)
		C.ff_session_unref(f.e)
		kind := types.DeltaFrame
		if isKey != 0 {
			kind = types.KeyFrame
		}
		pkts = append(pkts, &types.EncodedPacket{
			Data:   data,
			Kind:   kind,
			Width:  f.settings.Width,
			Height: f.settings.Height,
		})
	}
}

func (f *FFmpegSession) SetBitrate(bitsPerSecond int) {
	if f.e != nil {
		C.ff_session_set_bitrate(f.e, C.int64_t(bitsPerSecond))
	}
}

func (f *FFmpegSession) Close() {
	if f.e != nil {
		C.ff_session_close(f.e)
		f.e = nil
	}
}

package codec

import "testing"

func TestAudioSequenceHeaderDetection(t *testing.T) {
	aacHeader := []byte{0xAF, 0x00, 0x12, 0x10}
	aacFrame := []byte{0xAF, 0x01, 0x21}
	mp3Frame := []byte{0x2F, 0x00}

	if !IsAudioSequenceHeader(aacHeader) {
		t.Fatalf("AAC sequence header not detected")
	}
	if IsAudioSequenceHeader(aacFrame) {
		t.Fatalf("AAC raw frame misdetected as sequence header")
	}
	if IsAudioSequenceHeader(mp3Frame) {
		t.Fatalf("MP3 payload cannot carry a sequence header")
	}
	if IsAudioSequenceHeader(nil) || IsAudioSequenceHeader([]byte{0xAF}) {
		t.Fatalf("short payloads must not be detected")
	}
}

func TestVideoKeyFrameAndSequenceHeaderDetection(t *testing.T) {
	avcHeader := []byte{0x17, 0x00, 0x00, 0x00, 0x00}
	avcKey := []byte{0x17, 0x01, 0x00, 0x00, 0x00}
	avcInter := []byte{0x27, 0x01, 0x00, 0x00, 0x00}
	hevcHeader := []byte{0x1C, 0x00}

	if !IsVideoKeyFrame(avcHeader) || !IsVideoKeyFrame(avcKey) {
		t.Fatalf("frame type 1 must be a key frame")
	}
	if IsVideoKeyFrame(avcInter) {
		t.Fatalf("frame type 2 is not a key frame")
	}

	if !IsVideoSequenceHeader(avcHeader) {
		t.Fatalf("AVC sequence header not detected")
	}
	if IsVideoSequenceHeader(avcKey) {
		t.Fatalf("AVC key frame misdetected as sequence header")
	}
	if !IsVideoSequenceHeader(hevcHeader) {
		t.Fatalf("HEVC sequence header not detected")
	}
}

func TestCodecNames(t *testing.T) {
	if got := AudioCodecName(AudioFormatAAC); got != "AAC" {
		t.Fatalf("AAC name = %q", got)
	}
	if got := AudioCodecName(AudioFormatOpus); got != "OPUS" {
		t.Fatalf("Opus name = %q", got)
	}
	if got := VideoCodecName(VideoCodecAVC); got != "H264" {
		t.Fatalf("AVC name = %q", got)
	}
	if got := VideoCodecName(VideoCodecHEVC); got != "H265" {
		t.Fatalf("HEVC name = %q", got)
	}
	if got := AudioCodecName(99); got != "Unknown" {
		t.Fatalf("out-of-table audio name = %q", got)
	}
	if got := VideoCodecName(-1); got != "Unknown" {
		t.Fatalf("out-of-table video name = %q", got)
	}
}

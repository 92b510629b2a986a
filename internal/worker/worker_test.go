package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"testing"
	"time"
)

const testDim = 128

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func newMockWorker(response []byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	if response != nil {
		// Write the length header (Big Endian uint32) then the body
		binary.Write(dataPipeMock, binary.BigEndian, uint32(len(response)))
		dataPipeMock.Write(response)
	}

	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		dim:      testDim,
	}, stdinMock
}

func TestDetect(t *testing.T) {
	// Protocol: [Status:0] [NumFaces:2] ([Box] [Vec])...
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(2))

	for i := 0; i < 2; i++ {
		binary.Write(payload, binary.BigEndian, [4]int32{10, 40 + int32(i), 50, 20})
		vec := [testDim]float32{}
		vec[0] = 0.5 + float32(i)
		vec[testDim-1] = -0.25
		binary.Write(payload, binary.BigEndian, vec)
	}

	w, stdinMock := newMockWorker(payload.Bytes())

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	faces, err := w.Detect(context.Background(), inputFrame)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Verify Go sent the correct data TO Python
	sentData := stdinMock.Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if got := binary.BigEndian.Uint32(sentData[:4]); got != uint32(len(inputFrame)) {
		t.Errorf("Expected length header %d, got %d", len(inputFrame), got)
	}

	if len(faces) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(faces))
	}
	if faces[1].Box.Top != 10 || faces[1].Box.Right != 41 || faces[1].Box.Bottom != 50 || faces[1].Box.Left != 20 {
		t.Errorf("Unexpected box %+v", faces[1].Box)
	}
	if len(faces[0].Embedding) != testDim {
		t.Fatalf("Expected %d-d embedding, got %d", testDim, len(faces[0].Embedding))
	}
	// Use epsilon for float comparison
	if math.Abs(faces[1].Embedding[0]-1.5) > 1e-6 {
		t.Errorf("Expected vector[0] approx 1.5, got %f", faces[1].Embedding[0])
	}
	if math.Abs(faces[0].Embedding[testDim-1]+0.25) > 1e-6 {
		t.Errorf("Expected last component approx -0.25, got %f", faces[0].Embedding[testDim-1])
	}
}

func TestDetect_NoFaces(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(0))

	w, _ := newMockWorker(payload.Bytes())
	faces, err := w.Detect(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestDetect_Error(t *testing.T) {
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	w, _ := newMockWorker(payload.Bytes())
	_, err := w.Detect(context.Background(), []byte("frame"))

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
	if errors.Is(err, ErrWorkerExited) {
		t.Error("A logic error must not be reported as a worker exit")
	}
}

func TestDetect_TruncatedPayload(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(3)) // claims 3 faces, sends none

	w, _ := newMockWorker(payload.Bytes())
	if _, err := w.Detect(context.Background(), []byte("frame")); err == nil {
		t.Fatal("Expected error for truncated payload")
	}
}

func TestDetect_WorkerExited(t *testing.T) {
	// Nothing to read: the process closed FD 3.
	w, _ := newMockWorker(nil)
	_, err := w.Detect(context.Background(), []byte("frame"))
	if !errors.Is(err, ErrWorkerExited) {
		t.Errorf("Expected ErrWorkerExited, got %v", err)
	}
}

func TestDetect_Cancelled(t *testing.T) {
	w, stdinMock := newMockWorker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.Detect(ctx, []byte("frame")); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if stdinMock.Len() != 0 {
		t.Error("Expected nothing to be sent after cancellation")
	}
}

// faceResponse frames a one-face response whose box top marks the frame it answers.
func faceResponse(top int32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	binary.Write(payload, binary.BigEndian, [4]int32{top, 40, 50, 20})
	binary.Write(payload, binary.BigEndian, [testDim]float32{})

	framed := new(bytes.Buffer)
	binary.Write(framed, binary.BigEndian, uint32(payload.Len()))
	framed.Write(payload.Bytes())
	return framed.Bytes()
}

func TestDetect_TimeoutIsFatal(t *testing.T) {
	r, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer pw.Close()

	w := &PythonWorker{
		ID:          1,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    r,
		dim:         testDim,
		readTimeout: 50 * time.Millisecond,
	}

	// Frame 1 gets no answer in time.
	if _, err := w.Detect(context.Background(), []byte("frame1")); !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("Expected a timeout to be reported as ErrWorkerExited, got %v", err)
	}

	// The late answer to frame 1 arrives, then the answer to frame 2.
	pw.Write(faceResponse(111))
	pw.Write(faceResponse(222))

	faces, err := w.Detect(context.Background(), []byte("frame2"))
	if err == nil {
		t.Fatalf("Expected the worker to stay failed, got %+v", faces)
	}
	if !errors.Is(err, ErrWorkerExited) {
		t.Errorf("Expected ErrWorkerExited, got %v", err)
	}
}

func TestDetect_OversizedResponse(t *testing.T) {
	dataPipe := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(dataPipe, binary.BigEndian, uint32(math.MaxUint32))

	w := &PythonWorker{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: dataPipe,
		dim:      testDim,
	}
	if _, err := w.Detect(context.Background(), []byte("frame")); !errors.Is(err, ErrWorkerExited) {
		t.Errorf("Expected ErrWorkerExited for a corrupt length header, got %v", err)
	}
}

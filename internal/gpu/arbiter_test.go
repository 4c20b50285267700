package gpu

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTelemetry struct {
	mock.Mock
}

func (m *mockTelemetry) Query(ctx context.Context) ([]Device, error) {
	args := m.Called(ctx)
	devices, _ := args.Get(0).([]Device)
	return devices, args.Error(1)
}

func twoCards(used0, used1 int) []Device {
	return []Device{
		{Index: 0, Used: used0, Total: 8000},
		{Index: 1, Used: used1, Total: 8000},
	}
}

func TestAdmitZeroNeverQueries(t *testing.T) {
	tel := new(mockTelemetry)
	a := NewArbiter(tel, nil)

	as, ok, err := a.Admit(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, AssignNone, as.Kind)
	tel.AssertNotCalled(t, "Query", mock.Anything)
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name      string
		devices   []Device
		request   int
		wantOK    bool
		wantKind  AssignmentKind
		wantIndex int
	}{
		{name: "least used device wins", devices: twoCards(6000, 1000), request: 2000, wantOK: true, wantKind: AssignSingle, wantIndex: 1},
		{name: "tie picks first", devices: twoCards(0, 0), request: 2000, wantOK: true, wantKind: AssignSingle, wantIndex: 0},
		{name: "fits a device but none free", devices: twoCards(7000, 7000), request: 4000, wantOK: false},
		{name: "free in aggregate is not enough for a single-device request", devices: twoCards(5000, 5000), request: 4000, wantOK: false},
		{name: "spanning request admitted", devices: twoCards(1000, 1000), request: 12000, wantOK: true, wantKind: AssignMulti},
		{name: "spanning request waits", devices: twoCards(3000, 3000), request: 12000, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel := new(mockTelemetry)
			tel.On("Query", mock.Anything).Return(tt.devices, nil)
			a := NewArbiter(tel, nil)

			as, ok, err := a.Admit(context.Background(), tt.request)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantKind, as.Kind)
				if tt.wantKind == AssignSingle {
					assert.Equal(t, tt.wantIndex, as.Device)
				}
			}
			tel.AssertNumberOfCalls(t, "Query", 1)
		})
	}
}

func TestAdmitCapacityExceeded(t *testing.T) {
	// even with every device idle
	tel := new(mockTelemetry)
	tel.On("Query", mock.Anything).Return(twoCards(0, 0), nil)
	a := NewArbiter(tel, nil)

	_, ok, err := a.Admit(context.Background(), 16001)
	assert.False(t, ok)
	var capErr *CapacityExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 16001, capErr.Requested)
	assert.Equal(t, 16000, capErr.Total)
}

func TestAdmitWithoutGPUs(t *testing.T) {
	tel := new(mockTelemetry)
	tel.On("Query", mock.Anything).Return(nil, nil)
	a := NewArbiter(tel, nil)

	_, _, err := a.Admit(context.Background(), 1)
	var capErr *CapacityExceededError
	assert.ErrorAs(t, err, &capErr)
}

func TestSnapshotQueriesEveryTime(t *testing.T) {
	tel := new(mockTelemetry)
	tel.On("Query", mock.Anything).Return(twoCards(100, 200), nil).Once()
	tel.On("Query", mock.Anything).Return(twoCards(300, 400), nil).Once()
	a := NewArbiter(tel, nil)

	s1, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	s2, err := a.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 300, s1.Used())
	assert.Equal(t, 700, s2.Used())
	assert.Equal(t, 16000, s2.Total())
	assert.Equal(t, 15300, s2.Free())
	tel.AssertExpectations(t)
}

func TestAwaitCapacityPollsUntilFree(t *testing.T) {
	tel := new(mockTelemetry)
	tel.On("Query", mock.Anything).Return(twoCards(7000, 7000), nil).Twice()
	tel.On("Query", mock.Anything).Return(nil, errors.New("driver hiccup")).Once()
	tel.On("Query", mock.Anything).Return(twoCards(7000, 500), nil).Once()
	a := NewArbiter(tel, nil)

	as, err := a.AwaitCapacity(context.Background(), 4000, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, Assignment{Kind: AssignSingle, Device: 1}, as)
	tel.AssertExpectations(t)
}

func TestAwaitCapacityStopsOnCapacityExceeded(t *testing.T) {
	tel := new(mockTelemetry)
	tel.On("Query", mock.Anything).Return(twoCards(0, 0), nil)
	a := NewArbiter(tel, nil)

	_, err := a.AwaitCapacity(context.Background(), 50000, time.Millisecond)
	var capErr *CapacityExceededError
	require.ErrorAs(t, err, &capErr)
	tel.AssertNumberOfCalls(t, "Query", 1)
}

func TestAwaitCapacityHonorsContext(t *testing.T) {
	tel := new(mockTelemetry)
	tel.On("Query", mock.Anything).Return(twoCards(8000, 8000), nil)
	a := NewArbiter(tel, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := a.AwaitCapacity(ctx, 1000, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeviceArg(t *testing.T) {
	assert.Equal(t, "", Assignment{Kind: AssignNone}.DeviceArg("cuda:%d", "--multi"))
	assert.Equal(t, "cuda:3", Assignment{Kind: AssignSingle, Device: 3}.DeviceArg("cuda:%d", "--multi"))
	assert.Equal(t, "--gpu=1", Assignment{Kind: AssignSingle, Device: 1}.DeviceArg("--gpu=", ""))
	assert.Equal(t, "--multi", Assignment{Kind: AssignMulti}.DeviceArg("cuda:%d", "--multi"))
}

func TestParseNvidiaSMIOutput(t *testing.T) {
	out := strings.NewReader("0, 1234, 24576\n1, 10, 24576\n")

	devices, err := parseNvidiaSMIOutput(out)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, Device{Index: 0, Used: 1234, Total: 24576}, devices[0])
	assert.Equal(t, 24566, devices[1].Free())

	devices, err = parseNvidiaSMIOutput(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, devices)

	_, err = parseNvidiaSMIOutput(strings.NewReader("0, N/A, 24576\n"))
	assert.Error(t, err)
}

func TestNvidiaSMIMissingToolMeansNoGPUs(t *testing.T) {
	n := &NvidiaSMI{Command: "gpuq-no-such-tool"}

	devices, err := n.Query(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

package showerlink

import (
	"context"
	"github.com/jd3nn1s/showerlink/receiver"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"sync"
	"testing"
)

func withCANBusStub(stub CANBus) func() {
	origCanBusConnect := canBusConnect
	canBusConnect = func(p string) (CANBus, error) {
		return stub, nil
	}
	return func() {
		canBusConnect = origCanBusConnect
	}
}

func TestRunCANBus(t *testing.T) {
	readingsChan := make(chan receiver.Readings, channelBufferSize)

	stub := createCANBusStub()
	defer withCANBusStub(stub)()

	canBus := &canBusRetryable{
		portName: "can0",
		sendChan: readingsChan,
	}

	// close before opening
	assert.NoError(t, canBus.Close())
	assert.Nil(t, canBus.CANBus())
	assert.Equal(t, errNoCANBus, canBus.Start(context.Background()))
	assert.NoError(t, canBus.Open())
	assert.Equal(t, stub, canBus.CANBus())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		_ = canBus.Start(ctx)
		wg.Done()
	}()
	<-stub.startChan

	expectedData := receiver.Readings{}

	stub.fnChan <- func() {
		stub.callbacks.OutletTemp(38.5, true)
	}
	data := <-readingsChan
	expectedData.OutletTemp = 38.5
	expectedData.OutletValid = true
	assert.Equal(t, expectedData, data)

	stub.fnChan <- func() {
		stub.callbacks.Flow(7.25, false)
	}
	data = <-readingsChan
	expectedData.Flow = 7.25
	assert.Equal(t, expectedData, data)

	stub.fnChan <- func() {
		stub.callbacks.Flow(7.5, true)
	}
	data = <-readingsChan
	expectedData.Flow = 7.5
	expectedData.FlowValid = true
	assert.Equal(t, expectedData, data)

	cancel()
	wg.Wait()

	assert.NoError(t, canBus.Close())
	assert.True(t, stub.closed)
	assert.Nil(t, canBus.CANBus())
}

func TestCANBusOpenError(t *testing.T) {
	origCanBusConnect := canBusConnect
	defer func() {
		canBusConnect = origCanBusConnect
	}()
	canBusConnect = func(p string) (CANBus, error) {
		return nil, errors.New("no such interface")
	}

	canBus := &canBusRetryable{portName: "can9"}
	assert.Error(t, canBus.Open())
	assert.Nil(t, canBus.CANBus())
	assert.Equal(t, "canbus", canBus.Name())
}

func TestSendCommand(t *testing.T) {
	canStub := createCANBusStub()
	fwder := &CANForwarder{
		canBus: &canBusRetryable{
			c: canStub,
		},
	}

	prevT := Telemetry{}
	newT := Telemetry{}
	newT.Setpoint = 100
	newT.Run = true
	assert.NoError(t, fwder.Forward(&newT, &prevT))
	assert.Equal(t, []command{{100, true}}, canStub.sent())

	prevT = newT
	newT.Seq = 4
	assert.NoError(t, fwder.Forward(&newT, &prevT))
	assert.Len(t, canStub.sent(), 1, "unexpected call after unchanged command")

	prevT = newT
	newT.Run = false
	assert.NoError(t, fwder.Forward(&newT, &prevT))
	assert.Equal(t, []command{{100, true}, {100, false}}, canStub.sent())
}

func TestSendCommandRetried(t *testing.T) {
	canStub := createCANBusStub()
	bus := &canBusRetryable{}
	fwder := &CANForwarder{
		canBus: bus,
	}

	prevT := Telemetry{}
	newT := Telemetry{Setpoint: 95, Run: true}
	assert.Equal(t, errNoCANBus, fwder.Forward(&newT, &prevT))

	bus.c = canStub
	canStub.sendErr = errors.New("bus off")
	prevT = newT
	assert.Error(t, fwder.Forward(&newT, &prevT))
	assert.Empty(t, canStub.sent())

	canStub.sendErr = nil
	assert.NoError(t, fwder.Forward(&newT, &prevT))
	assert.Equal(t, []command{{95, true}}, canStub.sent())

	assert.NoError(t, fwder.Forward(&newT, &prevT))
	assert.Len(t, canStub.sent(), 1)
}

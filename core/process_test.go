package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestImageName(t *testing.T) {
	assert.Equal(t, "powershell.exe", ImageName(`C:\Windows\System32\powershell.exe`))
	assert.Equal(t, "bash", ImageName("/usr/bin/bash"))
	assert.Equal(t, "svc.exe", ImageName("svc.exe"))
	assert.Equal(t, "", ImageName(""))
}

func TestProcessSnapshot(t *testing.T) {
	end := time.Now()
	p := ProcessSnapshot{HostID: "h", ProcessID: 5, ParentProcessID: u32(5), Signed: boolPtr(false), EndTime: &end}

	_, ok := p.ParentKey()
	assert.False(t, ok, "self-parented process has no distinct parent")
	assert.True(t, p.KnownUnsigned())
	assert.True(t, p.Terminated())

	clone := p.Clone()
	*p.Signed = true
	*p.EndTime = end.Add(time.Hour)
	assert.False(t, *clone.Signed)
	assert.Equal(t, end, *clone.EndTime)

	unknown := ProcessSnapshot{}
	assert.False(t, unknown.KnownUnsigned())
}

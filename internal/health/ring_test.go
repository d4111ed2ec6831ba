package health

import (
	"fmt"
	"testing"

	"github.com/fentz26/sleepless/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestRestartRingBound(t *testing.T) {
	r := NewRestartRing(3)
	for i := 0; i < 5; i++ {
		r.Add(models.RestartEvent{ID: fmt.Sprint(i)})
	}
	assert.Equal(t, 3, r.Len())

	recent := r.Recent(0)
	ids := make([]string, 0, len(recent))
	for _, ev := range recent {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"4", "3", "2"}, ids)
	assert.Len(t, r.Recent(2), 2)
	assert.Equal(t, "4", r.Recent(1)[0].ID)
}

func TestRestartRingPartial(t *testing.T) {
	r := NewRestartRing(5)
	assert.Empty(t, r.Recent(0))
	r.Add(models.RestartEvent{ID: "a"})
	r.Add(models.RestartEvent{ID: "b"})
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, "b", r.Recent(10)[0].ID)
}

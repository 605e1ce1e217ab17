package drain

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/models"
	"github.com/Sh00ty/cloud-nlb/rolling-deployer/internal/storage/inmemory"
)

var web1 = models.Instance{ID: "ow-1", InfraID: "i-1", Hostname: "web1"}

func TestComputeDetachSet(t *testing.T) {
	tests := []struct {
		name string
		lbs  []models.LoadBalancer
		want []string
	}{
		{
			name: "shared load balancer is detached",
			lbs:  []models.LoadBalancer{{Name: "web", Members: []string{"i-1", "i-2"}}},
			want: []string{"web"},
		},
		{
			name: "sole member is kept",
			lbs:  []models.LoadBalancer{{Name: "web", Members: []string{"i-1"}}},
			want: []string{},
		},
		{
			name: "foreign load balancer is ignored",
			lbs:  []models.LoadBalancer{{Name: "api", Members: []string{"i-2", "i-3"}}},
			want: []string{},
		},
		{
			name: "mixed",
			lbs: []models.LoadBalancer{
				{Name: "web", Members: []string{"i-2", "i-1", "i-3"}},
				{Name: "admin", Members: []string{"i-1"}},
				{Name: "api", Members: []string{"i-2"}},
				{Name: "empty"},
				{Name: "ws", Members: []string{"i-1", "i-4"}},
			},
			want: []string{"web", "ws"},
		},
	}
	d := NewDrainer(inmemory.NewCloud(), zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.ComputeDetachSet(web1, tt.lbs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, models.LoadBalancerNames(got))
		})
	}
}

func TestValidationRejectsBeforeNetworkCalls(t *testing.T) {
	tests := []struct {
		name     string
		instance models.Instance
		lbs      []models.LoadBalancer
	}{
		{
			name:     "empty instance id",
			instance: models.Instance{InfraID: "i-1"},
			lbs:      []models.LoadBalancer{{Name: "web", Members: []string{"i-1", "i-2"}}},
		},
		{
			name:     "empty infra id",
			instance: models.Instance{ID: "ow-1"},
			lbs:      []models.LoadBalancer{{Name: "web", Members: []string{"i-1", "i-2"}}},
		},
		{
			name:     "unnamed load balancer",
			instance: web1,
			lbs:      []models.LoadBalancer{{Members: []string{"i-1", "i-2"}}},
		},
		{
			name:     "empty member id",
			instance: web1,
			lbs:      []models.LoadBalancer{{Name: "web", Members: []string{"i-1", ""}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cloud := inmemory.NewCloud()
			cloud.AddLoadBalancer("web", "i-1", "i-2")
			d := NewDrainer(cloud, zerolog.Nop())
			ctx := context.Background()

			_, err := d.ComputeDetachSet(tt.instance, tt.lbs)
			assert.ErrorIs(t, err, models.ErrInvalidArgument)

			_, err = d.Detach(ctx, tt.instance, tt.lbs)
			assert.ErrorIs(t, err, models.ErrInvalidArgument)

			_, err = d.Reattach(ctx, tt.instance, tt.lbs)
			assert.ErrorIs(t, err, models.ErrInvalidArgument)

			var argErr *models.ArgumentError
			assert.True(t, errors.As(err, &argErr))
			assert.Empty(t, cloud.Journal())
		})
	}
}

func TestDetachEmptySetMakesNoCalls(t *testing.T) {
	cloud := inmemory.NewCloud()
	d := NewDrainer(cloud, zerolog.Nop())

	detached, err := d.Detach(context.Background(), web1, nil)
	require.NoError(t, err)
	assert.Empty(t, detached)

	regs, err := d.Reattach(context.Background(), web1, detached)
	require.NoError(t, err)
	assert.Empty(t, regs)
	assert.Empty(t, cloud.Journal())
}

func TestDetachThenReattachRestoresMembership(t *testing.T) {
	cloud := inmemory.NewCloud()
	cloud.AddLoadBalancer("web", "i-1", "i-2")
	cloud.AddLoadBalancer("api", "i-3", "i-1")
	cloud.AddLoadBalancer("admin", "i-1")
	d := NewDrainer(cloud, zerolog.Nop())
	ctx := context.Background()

	all, err := cloud.ListLoadBalancers(ctx)
	require.NoError(t, err)
	set, err := d.ComputeDetachSet(web1, all)
	require.NoError(t, err)

	detached, err := d.Detach(ctx, web1, set)
	require.NoError(t, err)
	assert.Equal(t, set, detached)
	assert.Equal(t, []string{"i-2"}, cloud.Members("web"))
	assert.Equal(t, []string{"i-3"}, cloud.Members("api"))
	assert.Equal(t, []string{"i-1"}, cloud.Members("admin"))

	regs, err := d.Reattach(ctx, web1, detached)
	require.NoError(t, err)
	assert.Len(t, regs, 2)
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, cloud.Members("web"))
	assert.ElementsMatch(t, []string{"i-1", "i-3"}, cloud.Members("api"))
	assert.Equal(t, []string{"i-1"}, cloud.Members("admin"))

	var ops []string
	for _, call := range cloud.Journal()[1:] {
		ops = append(ops, call.Op+" "+call.LoadBalancer)
	}
	assert.Equal(t, []string{
		"deregister web",
		"deregister api",
		"wait-deregistered web",
		"wait-deregistered api",
		"register web",
		"register api",
		"wait-in-service web",
		"wait-in-service api",
	}, ops)
}

func TestDetachPartialFailureReturnsTouchedSet(t *testing.T) {
	cloud := inmemory.NewCloud()
	cloud.AddLoadBalancer("web", "i-1", "i-2")
	cloud.AddLoadBalancer("api", "i-1", "i-3")
	boom := errors.New("throttled")
	cloud.FailOn(inmemory.OpDeregister, "api", boom)
	d := NewDrainer(cloud, zerolog.Nop())
	ctx := context.Background()

	set := []models.LoadBalancer{
		{Name: "web", Members: []string{"i-1", "i-2"}},
		{Name: "api", Members: []string{"i-1", "i-3"}},
	}
	detached, err := d.Detach(ctx, web1, set)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"web", "api"}, models.LoadBalancerNames(detached))

	_, err = d.Reattach(ctx, web1, detached)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"i-1", "i-2"}, cloud.Members("web"))
	assert.ElementsMatch(t, []string{"i-1", "i-3"}, cloud.Members("api"))
}

func TestReattachAttemptsEveryLoadBalancer(t *testing.T) {
	cloud := inmemory.NewCloud()
	cloud.AddLoadBalancer("web", "i-2")
	cloud.AddLoadBalancer("api", "i-3")
	boom := errors.New("load balancer busy")
	cloud.FailOn(inmemory.OpRegister, "web", boom)
	d := NewDrainer(cloud, zerolog.Nop())

	regs, err := d.Reattach(context.Background(), web1, []models.LoadBalancer{
		{Name: "web", Members: []string{"i-1", "i-2"}},
		{Name: "api", Members: []string{"i-1", "i-3"}},
	})

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, regs, "api")
	assert.NotContains(t, regs, "web")
	assert.ElementsMatch(t, []string{"i-1", "i-3"}, cloud.Members("api"))
}

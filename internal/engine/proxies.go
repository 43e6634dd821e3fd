package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// CreateProxy provisions a debug proxy for a region. At most one live proxy
// exists per region; an existing usable proxy is returned instead of
// creating a second one.
func (e *Engine) CreateProxy(ctx context.Context, region string) (*models.Proxy, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	if region == "" {
		return nil, models.NewError(models.CodeInvalidRequest, "proxy region is required")
	}
	existing, err := e.tables.Proxies.QueryPartition(ctx, region)
	if err != nil {
		return nil, err
	}
	for _, v := range existing {
		if !v.Entity.State.IsTerminal() && v.Entity.State != models.ProxyStopping {
			return v.Entity, nil
		}
	}

	proxy := &models.Proxy{
		ProxyID:   uuid.New(),
		Region:    region,
		State:     models.ProxyInit,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := e.tables.Proxies.Insert(ctx, proxy); err != nil {
		return nil, err
	}
	e.bus.Publish(ctx, models.EventProxyCreated{
		Region:  proxy.Region,
		ProxyID: &proxy.ProxyID,
	})
	return proxy, nil
}

func (e *Engine) ListProxies(ctx context.Context, region string) ([]*models.Proxy, error) {
	rows, err := e.tables.Proxies.QueryPartition(ctx, region)
	if err != nil {
		return nil, err
	}
	proxies := make([]*models.Proxy, 0, len(rows))
	for _, v := range rows {
		proxies = append(proxies, v.Entity)
	}
	return proxies, nil
}

// StopProxy begins proxy teardown. The update sweep completes the stop and
// removes the row.
func (e *Engine) StopProxy(ctx context.Context, region string, proxyID uuid.UUID) (*models.Proxy, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	var proxy *models.Proxy
	err := statemachine.WithRetry(ctx, func() error {
		var err error
		proxy, err = e.machines.TransitionProxy(ctx, region, proxyID, models.ProxyStopping, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return proxy, nil
}

// ProxyAlive records a liveness report from a proxy VM. The first report
// moves the proxy from extensions_launch to running.
func (e *Engine) ProxyAlive(ctx context.Context, region string, proxyID uuid.UUID) (*models.Proxy, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	var proxy *models.Proxy
	err := statemachine.WithRetry(ctx, func() error {
		v, err := e.tables.Proxies.Get(ctx, region, proxyID.String())
		if err != nil {
			return err
		}
		proxy = v.Entity
		if proxy.State == models.ProxyExtensionsLaunch {
			proxy, err = e.machines.TransitionProxy(ctx, region, proxyID, models.ProxyRunning, func(p *models.Proxy) {
				now := time.Now().UTC()
				p.Heartbeat = &now
			})
			return err
		}
		now := time.Now().UTC()
		if proxy.Heartbeat != nil && proxy.Heartbeat.After(now) {
			return nil
		}
		proxy.Heartbeat = &now
		_, err = e.tables.Proxies.Replace(ctx, proxy, v.Version)
		return err
	})
	if err != nil {
		return nil, err
	}
	return proxy, nil
}

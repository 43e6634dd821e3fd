package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// CreatePool validates and persists a new pool. Pool creation can be locked
// out instance-wide through the instance config.
func (e *Engine) CreatePool(ctx context.Context, name string, os models.OS, arch models.Architecture, managed bool, autoscale *models.AutoscaleConfig) (*models.Pool, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	if name == "" {
		return nil, models.NewError(models.CodeInvalidRequest, "pool name is required")
	}
	cfg, err := e.GetInstanceConfig(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.AllowPoolCreation {
		return nil, models.NewError(models.CodeInvalidPermission, "pool creation is disabled on this instance")
	}

	pool := &models.Pool{
		Name:      name,
		PoolID:    uuid.New(),
		State:     models.PoolInit,
		OS:        os,
		Arch:      arch,
		Managed:   managed,
		Autoscale: autoscale,
	}
	if _, err := e.tables.Pools.Insert(ctx, pool); err != nil {
		return nil, err
	}
	e.bus.Publish(ctx, models.EventPoolCreated{
		PoolName:  pool.Name,
		OS:        pool.OS,
		Arch:      pool.Arch,
		Managed:   pool.Managed,
		Autoscale: pool.Autoscale,
	})
	return pool, nil
}

func (e *Engine) GetPool(ctx context.Context, name string) (*models.Pool, error) {
	v, err := e.tables.Pools.Get(ctx, name, name)
	if err != nil {
		return nil, err
	}
	return v.Entity, nil
}

func (e *Engine) ListPools(ctx context.Context) ([]*models.Pool, error) {
	rows, err := e.tables.Pools.Scan(ctx)
	if err != nil {
		return nil, err
	}
	pools := make([]*models.Pool, 0, len(rows))
	for _, v := range rows {
		pools = append(pools, v.Entity)
	}
	return pools, nil
}

// ShutdownPool drains a pool, or tears it down immediately when now is set.
// The update sweep propagates the state to the pool's scalesets and nodes and
// deletes the pool once it is empty.
func (e *Engine) ShutdownPool(ctx context.Context, name string, now bool) (*models.Pool, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	target := models.PoolShutdown
	if now {
		target = models.PoolHalt
	}
	var pool *models.Pool
	err := statemachine.WithRetry(ctx, func() error {
		var err error
		pool, err = e.machines.TransitionPool(ctx, name, target, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// CreateScaleset persists a new scaleset in init state under an available
// pool. The update sweep drives it through setup to running.
func (e *Engine) CreateScaleset(ctx context.Context, poolName, vmSKU, image, region string, size int, spot bool, tags map[string]string) (*models.Scaleset, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	pool, err := e.GetPool(ctx, poolName)
	if err != nil {
		return nil, models.NewError(models.CodeUnableToFind, "pool not found: "+poolName)
	}
	if !pool.Available() {
		return nil, models.NewError(models.CodeUnableToCreate,
			"pool is not accepting scalesets in state "+string(pool.State))
	}
	if size <= 0 {
		return nil, models.NewError(models.CodeInvalidRequest, "scaleset size must be positive")
	}
	if vmSKU == "" || image == "" || region == "" {
		return nil, models.NewError(models.CodeInvalidRequest, "scaleset requires vm_sku, image and region")
	}

	scaleset := &models.Scaleset{
		PoolName:      poolName,
		ScalesetID:    uuid.New(),
		State:         models.ScalesetInit,
		VMSku:         vmSKU,
		Image:         image,
		Region:        region,
		Size:          size,
		SpotInstances: spot,
		Tags:          tags,
	}
	if _, err := e.tables.Scalesets.Insert(ctx, scaleset); err != nil {
		return nil, err
	}
	e.bus.Publish(ctx, models.EventScalesetCreated{
		ScalesetID: scaleset.ScalesetID,
		PoolName:   scaleset.PoolName,
		VMSku:      scaleset.VMSku,
		Image:      scaleset.Image,
		Region:     scaleset.Region,
		Size:       scaleset.Size,
	})
	return scaleset, nil
}

func (e *Engine) GetScaleset(ctx context.Context, poolName string, scalesetID uuid.UUID) (*models.Scaleset, error) {
	v, err := e.tables.Scalesets.Get(ctx, poolName, scalesetID.String())
	if err != nil {
		return nil, err
	}
	return v.Entity, nil
}

func (e *Engine) ListScalesets(ctx context.Context, poolName string) ([]*models.Scaleset, error) {
	rows, err := e.tables.Scalesets.QueryPartition(ctx, poolName)
	if err != nil {
		return nil, err
	}
	scalesets := make([]*models.Scaleset, 0, len(rows))
	for _, v := range rows {
		scalesets = append(scalesets, v.Entity)
	}
	return scalesets, nil
}

// ResizeScaleset requests a new target size. Only a running scaleset can
// resize; the update sweep reconciles node count and returns it to running.
func (e *Engine) ResizeScaleset(ctx context.Context, poolName string, scalesetID uuid.UUID, size int) (*models.Scaleset, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	if size <= 0 {
		return nil, models.NewError(models.CodeUnableToResize, "scaleset size must be positive")
	}
	var scaleset *models.Scaleset
	err := statemachine.WithRetry(ctx, func() error {
		current, err := e.GetScaleset(ctx, poolName, scalesetID)
		if err != nil {
			return err
		}
		if current.State != models.ScalesetRunning {
			return models.NewError(models.CodeUnableToResize,
				"scaleset cannot resize in state "+string(current.State))
		}
		scaleset, err = e.machines.TransitionScaleset(ctx, poolName, scalesetID, models.ScalesetResize, func(s *models.Scaleset) {
			s.Size = size
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return scaleset, nil
}

// ShutdownScaleset drains a scaleset, or tears it down immediately when now
// is set.
func (e *Engine) ShutdownScaleset(ctx context.Context, poolName string, scalesetID uuid.UUID, now bool) (*models.Scaleset, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	target := models.ScalesetShutdown
	if now {
		target = models.ScalesetHalt
	}
	var scaleset *models.Scaleset
	err := statemachine.WithRetry(ctx, func() error {
		var err error
		scaleset, err = e.machines.TransitionScaleset(ctx, poolName, scalesetID, target, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return scaleset, nil
}

package models

type Identifier interface {
	GetId() int
}

// interface for dataloader result
type Data interface {
	Identifier
	GetDefault(int) Data
}

// key
func (b BaselineDefinition) GetId() int {
	return b.ID
}

func (b BaselineDefinition) GetDefault(id int) Data {
	return BaselineDefinition{
		ID:     id,
		Domain: MetricDomainEmissions,
	}
}

func (t SustainabilityTarget) GetId() int {
	return t.ID
}

func (t SustainabilityTarget) GetDefault(id int) Data {
	return SustainabilityTarget{
		ID:     id,
		Domain: MetricDomainEmissions,
	}
}

func (r BaselineRestatement) GetId() int {
	return r.ID
}

func (r BaselineRestatement) GetDefault(id int) Data {
	return BaselineRestatement{
		ID:     id,
		Status: RestatementStatusDraft,
	}
}

func (t ReductionTrajectory) GetId() int {
	return t.ID
}

func (t ReductionTrajectory) GetDefault(id int) Data {
	return ReductionTrajectory{
		ID:     id,
		Status: TrajectoryStatusActive,
	}
}

// interface for one-to-many dataloader results, keyed by the parent id
type RelatedData interface {
	GetReferenceId() int
}

func (m RestatementMetric) GetReferenceId() int {
	return m.RestatementId
}

func (p TrajectoryPoint) GetReferenceId() int {
	return p.TrajectoryId
}

package pkg

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog/log"

	"wisard/pkg/io"
	"wisard/pkg/model"
	"wisard/pkg/storage"
)

type TrainingParameters struct {
	DataSource
	OutputFile     string
	ReportInterval int
	Shuffle        bool
	RndSeed        int64
	// HoldOut is the fraction of records kept out of training and used for
	// the final evaluation instead of the training records.
	HoldOut float64
	// Checkpoint, when set, also stores the trained model under this name in
	// the checkpoint store at StorePath.
	Checkpoint string
	StorePath  string
	Workers    int
}

type Trainer struct {
	params  TrainingParameters
	network *model.Network[float64]
	trained int
	skipped int
}

// Train builds a network with the given hyperparameters, trains it on the
// data source, saves it and evaluates it. A zero target size is replaced by
// a single row as wide as the first sample.
func Train(trainingParams TrainingParameters, hyperparams model.Hyperparameters) (Report, error) {
	records, err := trainingParams.load()
	if err != nil {
		return Report{}, err
	}
	if len(records) == 0 {
		return Report{}, errors.New("no data to train")
	}

	if hyperparams.TargetSize.IsZero() {
		hyperparams.TargetSize = model.Size{Width: uint32(len(records[0].Sample)), Height: 1}
	}
	network, err := model.WithParams[float64](hyperparams)
	if err != nil {
		return Report{}, fmt.Errorf("error creating network: %w", err)
	}
	t := &Trainer{params: trainingParams, network: network}

	rnd := rand.New(rand.NewSource(trainingParams.RndSeed))
	data := io.NewDataSet(records, trainingParams.ReportInterval, rnd)
	evalData := data
	if trainingParams.HoldOut > 0 && trainingParams.HoldOut < 1 {
		held := int(float64(data.Size()) * trainingParams.HoldOut)
		splits := data.RandomSplit(data.Size()-held, held)
		data, evalData = splits[0], splits[1]
		log.Info().Int("Train", data.Size()).Int("HoldOut", evalData.Size()).Msg("Split data")
	}
	if trainingParams.Shuffle {
		data.ResetOrder(io.RandomOrder)
	}

	if err := t.trainAll(data); err != nil {
		return Report{}, err
	}
	if err := t.save(); err != nil {
		return Report{}, err
	}

	return Evaluate(network, evalData.Records(), "", trainingParams.Workers)
}

func (t *Trainer) trainAll(data *io.DataSet) error {
	for batch := data.Next(); len(batch) > 0; batch = data.Next() {
		if err := t.trainBatch(batch); err != nil {
			return err
		}
		log.Info().Int("Records", t.trained).Int("Skipped", t.skipped).
			Int("Labels", len(t.network.Labels())).Msg("Training progress")
	}
	if t.trained == 0 {
		return errors.New("no record could be trained, check the hyperparameters against the sample size")
	}
	stats := t.network.Stats()
	log.Info().Int("Patterns", stats.Patterns).Int("Labels", len(stats.Labels)).Msg("Training done")
	return nil
}

func (t *Trainer) trainBatch(batch io.DataBatch) error {
	for _, record := range batch {
		err := t.network.Train(record.Sample, record.Label)
		if errors.Is(err, model.ErrOutOfBounds) {
			log.Debug().Str("Label", record.Label).Int("Size", len(record.Sample)).Msg("Skipping short sample")
			t.skipped++
			continue
		}
		if err != nil {
			return fmt.Errorf("error training label %s: %w", record.Label, err)
		}
		t.trained++
	}
	return nil
}

func (t *Trainer) save() error {
	if t.params.OutputFile != "" {
		if err := t.network.SaveToFile(t.params.OutputFile); err != nil {
			return fmt.Errorf("error saving model to %s: %w", t.params.OutputFile, err)
		}
		log.Info().Str("File", t.params.OutputFile).Msg("Saved model")
	}

	if t.params.Checkpoint == "" {
		return nil
	}
	store, err := storage.OpenSQLite(t.params.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()
	blob, err := t.network.Save()
	if err != nil {
		return fmt.Errorf("error serializing model: %w", err)
	}
	cp, err := store.Put(context.Background(), t.params.Checkpoint, blob)
	if err != nil {
		return err
	}
	log.Info().Str("Checkpoint", cp.Name).Str("ID", cp.ID.String()).Int64("Size", cp.Size).Msg("Stored checkpoint")
	return nil
}

package pkg

import (
	"context"
	"errors"
	"fmt"
	gio "io"
	"os"
	"sort"

	"github.com/nlpodyssey/spago/pkg/ml/stats"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"wisard/pkg/io"
	"wisard/pkg/model"
	"wisard/pkg/parallel"
	"wisard/pkg/storage"
)

type TestParameters struct {
	DataSource
	ModelFile string
	// Checkpoint, when set, loads the model from the checkpoint store at
	// StorePath instead of ModelFile.
	Checkpoint string
	StorePath  string
	OutputFile string
	Workers    int
}

// Report summarizes an evaluation run.
type Report struct {
	Total          int
	Correct        int
	Skipped        int
	Accuracy       float64
	MacroF1        float64
	MicroF1        float64
	MeanScore      float64
	StdScore       float64
	MeanConfidence float64
	StdConfidence  float64
}

func Test(p TestParameters) error {
	network, err := loadNetwork(p)
	if err != nil {
		return err
	}

	records, err := p.load()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.New("no data to test")
	}
	_, err = Evaluate(network, records, p.OutputFile, p.Workers)
	return err
}

func loadNetwork(p TestParameters) (*model.Network[float64], error) {
	network := model.New[float64]()
	if p.Checkpoint != "" {
		store, err := storage.OpenSQLite(p.StorePath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		cp, blob, err := store.Get(context.Background(), p.Checkpoint)
		if err != nil {
			return nil, err
		}
		if err := network.Load(blob); err != nil {
			return nil, fmt.Errorf("error loading checkpoint %s: %w", p.Checkpoint, err)
		}
		log.Info().Str("Checkpoint", cp.Name).Str("ID", cp.ID.String()).Msg("Loaded model")
		return network, nil
	}

	if err := network.LoadFromFile(p.ModelFile); err != nil {
		return nil, fmt.Errorf("error loading model from file %s: %w", p.ModelFile, err)
	}
	return network, nil
}

type classificationEvaluator struct {
	metrics      map[string]*stats.ClassMetrics
	scores       []float64
	confidences  []float64
	correct      int
	skipped      int
	outputWriter gio.Writer
}

func (c *classificationEvaluator) EvaluatePrediction(prediction model.Prediction, record *io.DataRecord) {
	fmt.Fprintf(c.outputWriter, "%s,%s,%.5f,%.5f\n", record.Label, prediction.Label, prediction.Score, prediction.Confidence)

	c.scores = append(c.scores, prediction.Score)
	c.confidences = append(c.confidences, prediction.Confidence)

	labelClassMetrics, ok := c.metrics[record.Label]
	if !ok {
		labelClassMetrics = stats.NewMetricCounter()
		c.metrics[record.Label] = labelClassMetrics
	}
	predictedClassMetrics, ok := c.metrics[prediction.Label]
	if !ok {
		predictedClassMetrics = stats.NewMetricCounter()
		c.metrics[prediction.Label] = predictedClassMetrics
	}

	if record.Label == prediction.Label {
		labelClassMetrics.IncTruePos()
		c.correct++
	} else {
		labelClassMetrics.IncFalseNeg()
		predictedClassMetrics.IncFalsePos()
	}
}

func (c *classificationEvaluator) Report() Report {
	r := Report{
		Total:   len(c.scores),
		Correct: c.correct,
		Skipped: c.skipped,
	}
	if r.Total > 0 {
		r.Accuracy = float64(c.correct) / float64(r.Total)
		r.MeanScore, r.StdScore = stat.MeanStdDev(c.scores, nil)
		r.MeanConfidence, r.StdConfidence = stat.MeanStdDev(c.confidences, nil)
	}
	if len(c.metrics) > 0 {
		r.MacroF1, r.MicroF1 = computeOverallF1(c.metrics)
	}
	return r
}

func (c *classificationEvaluator) LogMetrics() {
	// Sort class names for deterministic output
	sortedClasses := sortClasses(c.metrics)
	for _, class := range sortedClasses {
		result := c.metrics[class]
		log.Info().Str("Class", class).
			Int("TP", result.TruePos).
			Int("FP", result.FalsePos).
			Int("TN", result.TrueNeg).
			Int("FN", result.FalseNeg).
			Float64("Precision", result.Precision()).
			Float64("Recall", result.Recall()).
			Float64("F1", result.F1Score()).
			Msg("")
	}

	r := c.Report()
	log.Info().Float64("MacroF1", r.MacroF1).Float64("MicroF1", r.MicroF1).Msg("")
	log.Info().Int("Total", r.Total).Int("Correct", r.Correct).Int("Skipped", r.Skipped).
		Float64("Accuracy", r.Accuracy).Msg("")
	log.Info().Float64("ScoreMean", r.MeanScore).Float64("ScoreStd", r.StdScore).
		Float64("ConfidenceMean", r.MeanConfidence).Float64("ConfidenceStd", r.StdConfidence).Msg("")
}

// Evaluate classifies every record on up to workers goroutines, writes one
// "label,predicted,score,confidence" line per record to outputFileName when it
// is not empty, and logs the metrics. Records too short for the network are
// skipped.
func Evaluate(network *model.Network[float64], records []*io.DataRecord, outputFileName string, workers int) (Report, error) {
	var outputWriter gio.Writer
	if outputFileName != "" {
		outputFile, err := os.Create(outputFileName)
		if err != nil {
			return Report{}, fmt.Errorf("error opening output file %s: %w", outputFileName, err)
		}
		defer outputFile.Close()
		outputWriter = outputFile
	} else {
		outputWriter = NoopWriter{}
	}

	predictions := make([]model.Prediction, len(records))
	predictErrors := make([]error, len(records))
	parallel.ForEach(len(records), workers, func(i int) {
		predictions[i], predictErrors[i] = network.Predict(records[i].Sample)
	})

	evaluator := &classificationEvaluator{
		metrics:      map[string]*stats.ClassMetrics{},
		outputWriter: outputWriter,
	}
	for i, record := range records {
		if err := predictErrors[i]; err != nil {
			if errors.Is(err, model.ErrOutOfBounds) {
				log.Debug().Int("Record", i).Err(err).Msg("Skipping record")
				evaluator.skipped++
				continue
			}
			return Report{}, fmt.Errorf("error classifying record %d: %w", i, err)
		}
		evaluator.EvaluatePrediction(predictions[i], record)
	}
	evaluator.LogMetrics()

	return evaluator.Report(), nil
}

func computeOverallF1(metrics map[string]*stats.ClassMetrics) (float64, float64) {
	macroF1 := 0.0
	for _, metric := range metrics {
		macroF1 += metric.F1Score()
	}
	macroF1 /= float64(len(metrics))

	micro := stats.NewMetricCounter()
	for _, result := range metrics {
		micro.TruePos += result.TruePos
		micro.FalsePos += result.FalsePos
		micro.FalseNeg += result.FalseNeg
		micro.TrueNeg += result.TrueNeg
	}
	return macroF1, micro.F1Score()
}

func sortClasses(metrics map[string]*stats.ClassMetrics) []string {
	result := make([]string, 0, len(metrics))
	for class := range metrics {
		result = append(result, class)
	}
	sort.Strings(result)
	return result
}

// Package ocr runs document analysis jobs on AWS Textract and turns the
// returned blocks into table grids and reading-order text lines.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"statement-reconciliation-service/internal/models"
	apperrors "statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// TextractAPI is the subset of *textract.Client the analyzer calls.
type TextractAPI interface {
	StartDocumentAnalysis(ctx context.Context, params *textract.StartDocumentAnalysisInput, optFns ...func(*textract.Options)) (*textract.StartDocumentAnalysisOutput, error)
	GetDocumentAnalysis(ctx context.Context, params *textract.GetDocumentAnalysisInput, optFns ...func(*textract.Options)) (*textract.GetDocumentAnalysisOutput, error)
}

// PollConfig controls how a job is waited on.
type PollConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxDelay     time.Duration `json:"max_delay"`
	// Timeout bounds the whole wait. Zero leaves it to the caller's context.
	Timeout    time.Duration `json:"timeout"`
	MaxResults int32         `json:"max_results"`
}

// DefaultPollConfig returns the standard polling schedule.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialDelay: time.Second,
		Multiplier:   1.7,
		MaxDelay:     5 * time.Second,
		Timeout:      180 * time.Second,
		MaxResults:   1000,
	}
}

// Validate checks the polling schedule.
func (c PollConfig) Validate() error {
	if c.InitialDelay <= 0 {
		return fmt.Errorf("initial delay must be positive: %s", c.InitialDelay)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1: %f", c.Multiplier)
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max delay %s is below initial delay %s", c.MaxDelay, c.InitialDelay)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative: %s", c.Timeout)
	}
	if c.MaxResults < 0 || c.MaxResults > 1000 {
		return fmt.Errorf("max results must be between 0 and 1000: %d", c.MaxResults)
	}
	return nil
}

// DocumentLocation is the object the job reads.
type DocumentLocation struct {
	Bucket string
	Key    string
}

// Analysis is the outcome of one finished job.
type Analysis struct {
	JobID  string
	Status types.JobStatus
	Blocks []types.Block
	Tables []models.TableGrid
	Lines  []PageLines
}

// PageTexts joins each page's lines, so an Analysis can stand in for the
// document text layer.
func (a *Analysis) PageTexts(context.Context) ([]string, error) {
	return JoinLines(a.Lines), nil
}

// Analyzer submits documents to Textract and waits for them.
type Analyzer struct {
	client TextractAPI
	config PollConfig
	logger logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(client TextractAPI, config PollConfig, log logger.Logger) *Analyzer {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Analyzer{
		client: client,
		config: config,
		logger: log.WithComponent("ocr"),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Analyze starts a TABLES analysis of doc and waits for it to finish.
// PARTIAL_SUCCESS is accepted with a warning. FAILED and running out of
// time are OCR errors carrying the job id and the last status seen.
func (a *Analyzer) Analyze(ctx context.Context, doc DocumentLocation) (*Analysis, error) {
	start, err := a.client.StartDocumentAnalysis(ctx, &textract.StartDocumentAnalysisInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{
				Bucket: aws.String(doc.Bucket),
				Name:   aws.String(doc.Key),
			},
		},
		FeatureTypes: []types.FeatureType{types.FeatureTypeTables},
	})
	if err != nil {
		return nil, apperrors.OCRError(apperrors.CodeOCRSubmission, "", "", err).
			WithContext("bucket", doc.Bucket).
			WithContext("key", doc.Key)
	}

	jobID := aws.ToString(start.JobId)
	log := a.logger.WithFields(logger.Fields{
		"job_id": jobID,
		"key":    doc.Key,
	})
	log.Info("OCR job started")

	blocks, status, err := a.Wait(ctx, jobID)
	if err != nil {
		return nil, err
	}

	analysis := &Analysis{
		JobID:  jobID,
		Status: status,
		Blocks: blocks,
		Tables: TablesFromBlocks(blocks),
		Lines:  LinesFromBlocks(blocks),
	}
	log.WithFields(logger.Fields{
		"status": status,
		"blocks": len(blocks),
		"tables": len(analysis.Tables),
	}).Info("OCR job finished")
	return analysis, nil
}

// Wait polls jobID until it reaches a terminal status and returns every
// block of the result, following NextToken pages.
func (a *Analyzer) Wait(ctx context.Context, jobID string) ([]types.Block, types.JobStatus, error) {
	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	delay := a.config.InitialDelay
	lastStatus := types.JobStatusInProgress
	var out *textract.GetDocumentAnalysisOutput

	for {
		resp, err := a.client.GetDocumentAnalysis(ctx, a.pageInput(jobID, nil))
		if err != nil {
			if ctx.Err() != nil {
				return nil, lastStatus, a.timeoutError(ctx, jobID, lastStatus)
			}
			return nil, lastStatus, apperrors.OCRError(apperrors.CodeOCRJobFailed, jobID, string(lastStatus), err)
		}
		lastStatus = resp.JobStatus

		switch resp.JobStatus {
		case types.JobStatusSucceeded, types.JobStatusPartialSuccess:
			out = resp
		case types.JobStatusFailed:
			return nil, lastStatus, apperrors.OCRError(apperrors.CodeOCRJobFailed, jobID, string(lastStatus),
				errors.New(aws.ToString(resp.StatusMessage)))
		}
		if out != nil {
			break
		}

		if err := a.sleep(ctx, delay); err != nil {
			return nil, lastStatus, a.timeoutError(ctx, jobID, lastStatus)
		}
		delay = nextDelay(delay, a.config.Multiplier, a.config.MaxDelay)
	}

	if out.JobStatus == types.JobStatusPartialSuccess {
		a.logger.WithFields(logger.Fields{
			"job_id":   jobID,
			"warnings": len(out.Warnings),
		}).Warn("OCR job partially succeeded, using the blocks it returned")
	}

	blocks := append([]types.Block(nil), out.Blocks...)
	next := out.NextToken
	for next != nil && *next != "" {
		page, err := a.client.GetDocumentAnalysis(ctx, a.pageInput(jobID, next))
		if err != nil {
			if ctx.Err() != nil {
				return nil, lastStatus, a.timeoutError(ctx, jobID, lastStatus)
			}
			return nil, lastStatus, apperrors.OCRError(apperrors.CodeOCRJobFailed, jobID, string(lastStatus), err).
				WithContext("next_token", aws.ToString(next))
		}
		blocks = append(blocks, page.Blocks...)
		next = page.NextToken
	}

	return blocks, lastStatus, nil
}

func (a *Analyzer) pageInput(jobID string, next *string) *textract.GetDocumentAnalysisInput {
	in := &textract.GetDocumentAnalysisInput{JobId: aws.String(jobID), NextToken: next}
	if a.config.MaxResults > 0 {
		in.MaxResults = aws.Int32(a.config.MaxResults)
	}
	return in
}

func (a *Analyzer) timeoutError(ctx context.Context, jobID string, lastStatus types.JobStatus) error {
	return apperrors.OCRError(apperrors.CodeOCRTimeout, jobID, string(lastStatus), ctx.Err()).
		WithContext("timeout", a.config.Timeout.String())
}

func nextDelay(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(math.Round(float64(current) * multiplier))
	if next > max {
		return max
	}
	return next
}

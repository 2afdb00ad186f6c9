package imagejob

import (
	"context"
	"fmt"
	"log"
	"net/url"

	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// QueryObscurer produces the obscured variant by appending a query
// parameter the image host renders blurred. The original URL is left
// untouched on the job record.
type QueryObscurer struct {
	Param string // "key=value" form
}

// Obscure rewrites resultURL with the blur parameter appended.
func (o QueryObscurer) Obscure(ctx context.Context, resultURL string) (string, error) {
	u, err := url.Parse(resultURL)
	if err != nil {
		return "", fmt.Errorf("imagejob: obscure %q: %w", resultURL, err)
	}
	kv, err := url.ParseQuery(o.Param)
	if err != nil {
		return "", fmt.Errorf("imagejob: obscure param %q: %w", o.Param, err)
	}
	q := u.Query()
	for k, vs := range kv {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CreditDecision returns an ObscureDecision that obscures results for
// requesters whose credit balance is below threshold. A requester with
// no recipient record is treated as zero credits.
func CreditDecision(db *gorm.DB, threshold int) ObscureDecision {
	return func(ctx context.Context, job *models.ImageJob) bool {
		var recip models.Recipient
		err := db.Where("subject_id = ?", job.RequesterID).First(&recip).Error
		if err != nil {
			if err != gorm.ErrRecordNotFound {
				log.Printf("imagejob: credit lookup for %s: %v", job.RequesterID, err)
			}
			return true
		}
		return recip.Credits < threshold
	}
}

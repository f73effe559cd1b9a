// Command seed drives the running Control API the same way a human
// bringing up a local stack would: it synthesizes a short placeholder
// WAV, uploads it through the presigned upload flow, and kicks off a
// translation job, so the pipeline has something to run end to end
// without needing real source media.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"
)

func main() {
	apiBase := flag.String("api-base", "http://localhost:8080", "base URL of a running orchestrator server")
	targetLang := flag.String("target-lang", "es", "target language for the demo job")
	durationSeconds := flag.Float64("duration", 2.0, "length of the synthetic demo WAV, in seconds")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}
	wav := generateWAV(*durationSeconds, 16000)

	initResp, err := initUpload(client, *apiBase, len(wav))
	if err != nil {
		log.Fatalf("upload init: %v", err)
	}

	if err := putUploadParts(client, initResp.Parts, wav); err != nil {
		log.Fatalf("upload to presigned URLs: %v", err)
	}

	if err := completeUpload(client, *apiBase, initResp.AssetID, *targetLang); err != nil {
		log.Fatalf("upload complete: %v", err)
	}

	job, err := createTranslationJob(client, *apiBase, initResp.AssetID, *targetLang)
	if err != nil {
		log.Fatalf("create translation job: %v", err)
	}

	fmt.Printf("seeded demo asset %s and job %s\n", initResp.AssetID, job.ID)
}

// uploadPart mirrors internal/upload.UploadPart's wire shape.
type uploadPart struct {
	PartNumber int32  `json:"partNumber"`
	UploadURL  string `json:"uploadUrl"`
}

// uploadInitResponse mirrors internal/upload.InitResult's wire shape.
type uploadInitResponse struct {
	AssetID  string       `json:"assetId"`
	UploadID string       `json:"uploadId"`
	PartSize int64        `json:"partSize"`
	Parts    []uploadPart `json:"parts"`
}

type jobResponse struct {
	ID string `json:"id"`
}

func initUpload(client *http.Client, apiBase string, contentLength int) (*uploadInitResponse, error) {
	body, _ := json.Marshal(map[string]any{"contentLength": contentLength})
	res, err := client.Post(apiBase+"/upload/init", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	var out uploadInitResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// putUploadParts pushes wav to each presigned part URL in order, splitting
// it into one equal-sized chunk per part (the last part also takes the
// remainder); the server's PartSize is not consulted.
func putUploadParts(client *http.Client, parts []uploadPart, wav []byte) error {
	for i, part := range parts {
		start := i * (len(wav) / len(parts))
		end := start + (len(wav) / len(parts))
		if i == len(parts)-1 {
			end = len(wav)
		}
		if err := putUploadPart(client, part.UploadURL, wav[start:end]); err != nil {
			return fmt.Errorf("part %d: %w", part.PartNumber, err)
		}
	}
	return nil
}

func putUploadPart(client *http.Client, uploadURL string, chunk []byte) error {
	req, err := http.NewRequest(http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "audio/wav")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return nil
}

func completeUpload(client *http.Client, apiBase, assetExternalID, targetLang string) error {
	body, _ := json.Marshal(map[string]any{
		"assetId":     assetExternalID,
		"sourceLang":  "en",
		"targetLangs": []string{targetLang},
	})
	res, err := client.Post(apiBase+"/upload/complete", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return nil
}

func createTranslationJob(client *http.Client, apiBase, assetExternalID, targetLang string) (*jobResponse, error) {
	body, _ := json.Marshal(map[string]any{
		"assetId":     assetExternalID,
		"targetLangs": []string{targetLang},
		"presets":     map[string]string{"default": "male_deep"},
	})
	res, err := client.Post(apiBase+"/jobs/translate", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	var job jobResponse
	if err := json.NewDecoder(res.Body).Decode(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// generateWAV synthesizes a mono 16-bit PCM sine wave, the same
// placeholder-audio shape the demo fixture needs without shipping a
// real recording.
func generateWAV(durationSeconds float64, sampleRate int) []byte {
	frameCount := int(durationSeconds * float64(sampleRate))
	dataSize := frameCount * 2

	var buf bytes.Buffer
	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+dataSize))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(header[32:34], 2)
	binary.LittleEndian.PutUint16(header[34:36], 16)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))
	buf.Write(header)

	frame := make([]byte, 2)
	for n := 0; n < frameCount; n++ {
		value := int16(32767 * math.Sin(2*math.Pi*220*(float64(n)/float64(sampleRate))))
		binary.LittleEndian.PutUint16(frame, uint16(value))
		buf.Write(frame)
	}
	return buf.Bytes()
}
